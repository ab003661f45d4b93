package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/sentinel/internal/state"
)

var (
	// checkpoint command flags
	cpKind       string
	cpOutputJSON bool
)

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointCreateCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointRestoreCmd)

	checkpointCmd.PersistentFlags().BoolVar(&cpOutputJSON, "json", false, "Output results as JSON")
	checkpointListCmd.Flags().StringVar(&cpKind, "kind", "", "Only list this kind: snapshot, checkpoint or archive")
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage checkpoints",
	Long: `Manage named checkpoints of the loop state.

The loop snapshots its state at every iteration and writes a named checkpoint
after each clean one. Restoring makes a snapshot the current session again,
so "sentinel run --resume" continues from it.

Examples:
  # Save the current session under a name
  sentinel checkpoint create before-refactor

  # List snapshots, checkpoints and archived sessions
  sentinel checkpoint list

  # Make a checkpoint the current session
  sentinel checkpoint restore snap-1718000000000000000-1a2b3c4d`,
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Checkpoint the current session",
	Long: `Store the current session under a name.

Examples:
  # Create a checkpoint
  sentinel checkpoint create before-refactor

  # Output the token as JSON
  sentinel checkpoint create before-refactor --json`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpointCreate,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints",
	Long: `List snapshots, checkpoints and archived sessions, oldest first.

Examples:
  # List everything
  sentinel checkpoint list

  # Named checkpoints only
  sentinel checkpoint list --kind checkpoint`,
	Args: cobra.NoArgs,
	RunE: runCheckpointList,
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore <token>",
	Short: "Restore a checkpoint as the current session",
	Long: `Make the state stored under token the current session.

Do not restore while a loop is running against the same state directory.

Examples:
  # Restore, then continue the session
  sentinel checkpoint restore snap-1718000000000000000-1a2b3c4d
  sentinel run --resume`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpointRestore,
}

func runCheckpointCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	st, err := store.Load(ctx)
	if errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("no session in %s", cfg.State.Dir)
	}
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	token, err := store.Checkpoint(ctx, args[0], st)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}

	if cpOutputJSON {
		return outputJSON(cmd.OutOrStdout(), map[string]any{
			"token":      token,
			"name":       args[0],
			"session_id": st.SessionID,
			"iteration":  st.Iteration,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint %q created: %s (iteration %d)\n", args[0], token, st.Iteration)
	return nil
}

func runCheckpointList(cmd *cobra.Command, _ []string) error {
	switch state.Kind(cpKind) {
	case "", state.KindSnapshot, state.KindCheckpoint, state.KindArchive:
	default:
		return fmt.Errorf("unknown kind %q: want snapshot, checkpoint or archive", cpKind)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	infos, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	infos = filterKind(infos, state.Kind(cpKind))

	if cpOutputJSON {
		return outputJSON(cmd.OutOrStdout(), infos)
	}
	printCheckpoints(cmd.OutOrStdout(), infos)
	return nil
}

func runCheckpointRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	st, err := store.Restore(ctx, state.Token(args[0]))
	if errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("checkpoint %s not found", args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to restore checkpoint: %w", err)
	}
	if err := store.Save(ctx, st); err != nil {
		return fmt.Errorf("failed to save restored state: %w", err)
	}

	if cpOutputJSON {
		return outputJSON(cmd.OutOrStdout(), map[string]any{
			"token":      args[0],
			"session_id": st.SessionID,
			"iteration":  st.Iteration,
			"phase":      st.Phase,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored session %s at iteration %d (%s)\n", st.SessionID, st.Iteration, st.Phase)
	fmt.Fprintln(cmd.OutOrStdout(), "Continue with: sentinel run --resume")
	return nil
}

func filterKind(infos []state.SnapshotInfo, kind state.Kind) []state.SnapshotInfo {
	if kind == "" {
		return infos
	}
	out := make([]state.SnapshotInfo, 0, len(infos))
	for _, info := range infos {
		if info.Kind == kind {
			out = append(out, info)
		}
	}
	return out
}

func printCheckpoints(w io.Writer, infos []state.SnapshotInfo) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "No checkpoints found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tKIND\tNAME\tSESSION\tITERATION\tPHASE\tCREATED")
	fmt.Fprintln(tw, "-----\t----\t----\t-------\t---------\t-----\t-------")
	for _, info := range infos {
		name := info.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			info.Token,
			info.Kind,
			truncate(name, 30),
			truncate(info.SessionID, 12),
			info.Iteration,
			info.Phase,
			info.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	tw.Flush()
}

// outputJSON outputs data as formatted JSON.
func outputJSON(w io.Writer, data any) error {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(w, string(encoded))
	return nil
}
