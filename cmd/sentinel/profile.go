package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/sentinel/internal/gates"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
)

var profileJSON bool

// externalGates run a profile command; the rest are evaluated in process.
var externalGates = []string{gates.Lint, gates.Typecheck, gates.Test, gates.Integration, gates.Performance}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.Flags().BoolVar(&profileJSON, "json", false, "Output the profile as JSON")
}

var profileCmd = &cobra.Command{
	Use:   "profile [dir]",
	Short: "Show the project profile and gate order",
	Long: `Show the project profile the gates would use in dir (default the current
directory) and the order the cascade runs them in.

The profile is gates.profile from the config, or detected from the files in
dir when it is "auto". Per-gate commands from the config are applied on top.

Examples:
  # Profile for the current directory
  sentinel profile

  # Profile of another checkout, as JSON
  sentinel profile ../service --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProfile,
}

func runProfile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	profile, err := gates.ResolveProfile(dir, cfg.Gates)
	if err != nil {
		return err
	}
	table, err := queue.NewPriorityTable(cfg.Queue.Priorities)
	if err != nil {
		return fmt.Errorf("queue.priorities: %w", err)
	}
	cascade, err := gates.BuildCascade(gates.Options{Config: cfg.Gates, Table: table})
	if err != nil {
		return err
	}

	if profileJSON {
		return outputJSON(cmd.OutOrStdout(), map[string]any{
			"profile": profile,
			"order":   cascade.Gates(),
		})
	}
	printProfile(cmd.OutOrStdout(), profile, cascade.Gates())
	return nil
}

func printProfile(w io.Writer, p gates.Profile, order []string) {
	fmt.Fprintf(w, "Profile: %s\n\n", p.Name)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tGATE\tBLOCKING\tTIMEOUT\tCOMMAND")
	fmt.Fprintln(tw, "-\t----\t--------\t-------\t-------")
	for i, name := range order {
		blocking, timeout, command := "yes", "-", "built in"
		if slices.Contains(externalGates, name) {
			command = "(not configured)"
		}
		if c, ok := p.Command(name); ok {
			if !c.Blocking {
				blocking = "no"
			}
			if c.Timeout > 0 {
				timeout = c.Timeout.String()
			}
			command = strings.Join(c.Command, " ")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, name, blocking, timeout, command)
	}
	tw.Flush()
}
