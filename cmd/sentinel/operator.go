package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/sentinel/internal/config"
	"github.com/fyrsmithlabs/sentinel/internal/monitor"
	"github.com/fyrsmithlabs/sentinel/internal/operator"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

var (
	// operator command flags
	opAddr        string
	replyID       string
	watchInterval time.Duration
)

func init() {
	rootCmd.AddCommand(replyCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(watchCmd)

	replyCmd.Flags().StringVar(&opAddr, "addr", "", "Reply through the HTTP API at this URL instead of the state directory")
	replyCmd.Flags().StringVar(&replyID, "id", "", "Escalation ID (defaults to whatever is pending)")
	stopCmd.Flags().StringVar(&opAddr, "addr", "", "Stop through the HTTP API at this URL instead of the state directory")
	watchCmd.Flags().StringVar(&opAddr, "addr", "", "HTTP API URL (defaults to server.host and server.port)")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Refresh interval")
}

var replyCmd = &cobra.Command{
	Use:   "reply <continue|skip|stop>",
	Short: "Answer the pending escalation",
	Long: `Answer the escalation the running loop is waiting on.

  continue - carry on with the current plan
  skip     - set the escalated items aside and carry on
  stop     - abort the run

Without --addr the reply is written to the state directory, where the running
loop picks it up.

Examples:
  # Reply through the state directory
  sentinel reply continue

  # Reply to a specific escalation through the HTTP API
  sentinel reply skip --id esc-3f2a --addr http://localhost:9191`,
	Args: cobra.ExactArgs(1),
	RunE: runReply,
}

var stopCmd = &cobra.Command{
	Use:   "stop [reason]",
	Short: "Ask the running loop to stop",
	Long: `Ask the running loop to stop at the next phase boundary.

In-flight agent work finishes first; the session then ends as aborted with its
state saved for "sentinel run --resume".

Examples:
  # Stop through the state directory
  sentinel stop "need to rebase first"

  # Stop through the HTTP API
  sentinel stop --addr http://localhost:9191`,
	Args: cobra.ArbitraryArgs,
	RunE: runStop,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a running loop",
	Long: `Open a dashboard over the HTTP API of a loop started with --http.

Keys: r refreshes, s asks the loop to stop, q quits.

Examples:
  # Watch the loop on the configured address
  sentinel watch

  # Watch a loop elsewhere
  sentinel watch --addr http://build-box:9191 --interval 5s`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func runReply(cmd *cobra.Command, args []string) error {
	reply, err := state.ParseReply(args[0])
	if err != nil {
		return err
	}

	if opAddr != "" {
		client := monitor.NewClient(opAddr)
		if err := client.Reply(cmd.Context(), replyID, string(reply)); err != nil {
			return fmt.Errorf("failed to send reply: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Replied %s\n", reply)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := operator.WriteReply(cfg.State.Dir, replyID, reply); err != nil {
		return fmt.Errorf("failed to write reply: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reply %s written to %s\n", reply, cfg.State.Dir)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	reason := strings.TrimSpace(strings.Join(args, " "))

	if opAddr != "" {
		client := monitor.NewClient(opAddr)
		if err := client.Stop(cmd.Context(), reason); err != nil {
			return fmt.Errorf("failed to request stop: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Stop requested")
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := operator.WriteStop(cfg.State.Dir, reason); err != nil {
		return fmt.Errorf("failed to write stop file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stop requested through %s\n", cfg.State.Dir)
	return nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	addr := opAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = serverURL(cfg.Server)
	}

	p := tea.NewProgram(monitor.NewModel(addr, watchInterval), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard failed: %w", err)
	}
	return nil
}

// serverURL is the base URL of the operator API described by cfg.
func serverURL(cfg config.ServerConfig) string {
	return fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
}
