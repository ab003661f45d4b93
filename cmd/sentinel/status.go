package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/sentinel/internal/gates"
	"github.com/fyrsmithlabs/sentinel/internal/monitor"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

var (
	// status and queue command flags
	statusJSON  bool
	queueStatus string
	queueAll    bool
	queueJSON   bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the full saved state as JSON")

	queueCmd.Flags().StringVar(&queueStatus, "status", "", "Only show items with this status")
	queueCmd.Flags().BoolVar(&queueAll, "all", false, "Include done items")
	queueCmd.Flags().BoolVar(&queueJSON, "json", false, "Output items as JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the saved loop state",
	Long: `Show the state of the current session as last saved in the state directory.

Examples:
  # Summary of the current session
  sentinel status

  # Full state as JSON
  sentinel status --json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List work items of the saved session",
	Long: `List the work queue of the current session in claim order.

Examples:
  # Open items
  sentinel queue

  # Blocked items only
  sentinel queue --status blocked

  # Everything, as JSON
  sentinel queue --all --json`,
	Args: cobra.NoArgs,
	RunE: runQueue,
}

// loadSaved loads the current session from the configured store.
func loadSaved(cmd *cobra.Command) (*state.LoopState, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	st, err := store.Load(cmd.Context())
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("no session in %s", cfg.State.Dir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return st, nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	st, err := loadSaved(cmd)
	if err != nil {
		return err
	}
	if statusJSON {
		fmt.Fprintln(cmd.OutOrStdout(), state.Dump(st))
		return nil
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

func printStatus(w io.Writer, st *state.LoopState) {
	fmt.Fprintf(w, "Session:     %s\n", st.SessionID)
	fmt.Fprintf(w, "Task:        %s\n", firstLine(st.Task))
	fmt.Fprintf(w, "Iteration:   %d (%s)\n", st.Iteration, st.Phase)
	fmt.Fprintf(w, "Clean runs:  %d\n", st.ConsecutivePasses)
	if st.Outcome != "" {
		fmt.Fprintf(w, "Outcome:     %s\n", st.Outcome)
	}
	if st.Strategy != "" {
		fmt.Fprintf(w, "Strategy:    %s\n", st.Strategy)
	}
	if st.Branch != "" {
		fmt.Fprintf(w, "Branch:      %s\n", st.Branch)
	}
	fmt.Fprintf(w, "Updated:     %s\n", st.UpdatedAt.Format("2006-01-02 15:04:05"))

	counts := map[queue.Status]int{}
	for _, it := range st.WorkQueue {
		counts[it.Status]++
	}
	fmt.Fprintf(w, "Queue:       %d pending, %d in progress, %d blocked, %d done\n",
		counts[queue.StatusPending],
		counts[queue.StatusClaimed]+counts[queue.StatusInProgress],
		counts[queue.StatusBlocked],
		counts[queue.StatusDone])

	if len(st.GateResults) > 0 {
		fmt.Fprintln(w, "\nGates:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, name := range gateNames(st.GateResults) {
			res := st.GateResults[name]
			detail := firstLine(res.Detail)
			if res.Coverage != nil {
				detail = monitor.FormatCoverage(res.Coverage) + " " + detail
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", name, res.Status, truncate(detail, 70))
		}
		tw.Flush()
	}

	if e := st.Escalation; e != nil {
		fmt.Fprintf(w, "\nEscalation %s: %s\n", e.ID, e.Reason)
		for _, ev := range e.Evidence {
			fmt.Fprintf(w, "  - %s\n", ev)
		}
		fmt.Fprintf(w, "Answer with: sentinel reply <%s>\n", joinReplies(e.Options))
	}
}

// gateNames orders names by cascade order, unknown gates last.
func gateNames(results map[string]gates.Result) []string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	rank := func(n string) int {
		if i := slices.Index(gates.DefaultOrder, n); i >= 0 {
			return i
		}
		return len(gates.DefaultOrder)
	}
	slices.SortFunc(names, func(a, b string) int {
		if d := rank(a) - rank(b); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	return names
}

func joinReplies(rs []state.Reply) string {
	if len(rs) == 0 {
		rs = state.Replies()
	}
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return strings.Join(out, "|")
}

func runQueue(cmd *cobra.Command, _ []string) error {
	var filter queue.Status
	if queueStatus != "" {
		filter = queue.Status(strings.ToLower(queueStatus))
		if !slices.Contains(queue.Statuses(), filter) {
			return fmt.Errorf("unknown status %q", queueStatus)
		}
	}

	st, err := loadSaved(cmd)
	if err != nil {
		return err
	}
	items := filterItems(st.WorkQueue, filter, queueAll)

	if queueJSON {
		data, err := json.MarshalIndent(items, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal items: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	printItems(cmd.OutOrStdout(), items)
	return nil
}

// filterItems keeps items matching status; with no status it keeps open
// items, or every item when all is set.
func filterItems(items []queue.WorkItem, status queue.Status, all bool) []queue.WorkItem {
	out := make([]queue.WorkItem, 0, len(items))
	for _, it := range items {
		switch {
		case status != "":
			if it.Status != status {
				continue
			}
		case !all:
			if it.Status == queue.StatusDone {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

func printItems(w io.Writer, items []queue.WorkItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No work items.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRIORITY\tSTATUS\tSOURCE\tBLOCKED BY\tTITLE")
	fmt.Fprintln(tw, "--\t--------\t------\t------\t----------\t-----")
	for _, it := range items {
		blocked := strings.Join(it.BlockedBy, ",")
		if blocked == "" {
			blocked = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(it.ID, 12), it.Priority, it.Status, it.Source, blocked, truncate(it.Title, 50))
	}
	tw.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// truncate truncates a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
