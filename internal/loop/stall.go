package loop

import (
	"fmt"
	"slices"

	"github.com/fyrsmithlabs/sentinel/internal/state"
)

// StallPolicy tunes DetectStall. A zero field disables that check.
type StallPolicy struct {
	// GateFailures is how many consecutive iterations one gate must fail.
	GateFailures int
	// NoProgressWindow is how many iterations may pass without the open
	// item count falling or coverage rising.
	NoProgressWindow int
}

// DefaultStallPolicy fails over after 3 repeated gate failures or 2
// iterations without progress.
func DefaultStallPolicy() StallPolicy {
	return StallPolicy{GateFailures: 3, NoProgressWindow: 2}
}

// StallKind names the check that fired.
type StallKind string

const (
	StallNone       StallKind = ""
	StallGate       StallKind = "repeated_gate_failure"
	StallNoProgress StallKind = "no_progress"
)

// Stall is the verdict of DetectStall.
type Stall struct {
	Kind     StallKind
	Gate     string
	Reason   string
	Evidence []string
}

// Stalled reports whether a stall was detected.
func (s Stall) Stalled() bool {
	return s.Kind != StallNone
}

// DetectStall inspects history, oldest first, and reports whether the loop
// is repeating itself. It reads nothing but its arguments.
func DetectStall(history []state.IterationSummary, policy StallPolicy) Stall {
	if len(history) == 0 {
		return Stall{}
	}
	last := history[len(history)-1]
	if last.GatesPassing && last.OpenItems == 0 {
		return Stall{}
	}

	if n := policy.GateFailures; n > 0 && len(history) >= n {
		window := history[len(history)-n:]
		for _, gate := range window[0].FailedGates {
			failedAll := true
			for _, h := range window[1:] {
				if !slices.Contains(h.FailedGates, gate) {
					failedAll = false
					break
				}
			}
			if failedAll {
				evidence := make([]string, 0, n)
				for _, h := range window {
					evidence = append(evidence, fmt.Sprintf("iteration %d: %s failed", h.Iteration, gate))
				}
				return Stall{
					Kind:     StallGate,
					Gate:     gate,
					Reason:   fmt.Sprintf("gate %s failed %d consecutive iterations", gate, n),
					Evidence: evidence,
				}
			}
		}
	}

	if w := policy.NoProgressWindow; w > 0 && len(history) > w {
		window := history[len(history)-w-1:]
		progressed := false
		for i := 1; i < len(window); i++ {
			if improved(window[i-1], window[i]) {
				progressed = true
				break
			}
		}
		if !progressed {
			evidence := make([]string, 0, len(window))
			for _, h := range window {
				evidence = append(evidence, fmt.Sprintf("iteration %d: %d open items, coverage %s", h.Iteration, h.OpenItems, formatCoverage(h.Coverage)))
			}
			return Stall{
				Kind:     StallNoProgress,
				Reason:   fmt.Sprintf("no queue or coverage improvement over %d iterations", w),
				Evidence: evidence,
			}
		}
	}
	return Stall{}
}

// SincePivot returns the history after the last iteration that handled a
// stall, so a newly chosen strategy gets a fresh window.
func SincePivot(history []state.IterationSummary) []state.IterationSummary {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Stalled {
			return history[i+1:]
		}
	}
	return history
}

func improved(prev, cur state.IterationSummary) bool {
	if cur.OpenItems < prev.OpenItems {
		return true
	}
	return cur.Coverage != nil && (prev.Coverage == nil || *cur.Coverage > *prev.Coverage)
}

func formatCoverage(c *float64) string {
	if c == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", *c)
}
