package loop

import (
	"fmt"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/sentinel/internal/queue"
)

// Strategies a stall can pivot to, in default order. Once all are tried
// the operator is asked.
const (
	StrategyRetryDirect        = "retry-direct"
	StrategyDelegateSpecialist = "delegate-specialist"
	StrategyDecompose          = "decompose"
)

// DefaultStrategies is the pivot order.
var DefaultStrategies = []string{StrategyRetryDirect, StrategyDelegateSpecialist, StrategyDecompose}

// nextStrategy returns the first strategy not yet tried, or "".
func nextStrategy(strategies, tried []string) string {
	for _, s := range strategies {
		if !slices.Contains(tried, s) {
			return s
		}
	}
	return ""
}

// agentType picks the agent type for item under strategy.
func agentType(item queue.WorkItem, strategy string) string {
	switch strategy {
	case "", StrategyRetryDirect:
		return "builder"
	case StrategyDelegateSpecialist:
		switch {
		case strings.HasPrefix(item.Source, queue.SourceGate):
			return strings.TrimPrefix(item.Source, queue.SourceGate) + "-specialist"
		case strings.HasPrefix(item.Source, queue.SourceRecovery):
			return "recovery-specialist"
		case strings.HasPrefix(item.Source, queue.SourceAgent):
			return strings.TrimPrefix(item.Source, queue.SourceAgent)
		}
		return "specialist"
	case StrategyDecompose:
		return "planner"
	default:
		return strategy
	}
}

// instruction renders the agent instruction for item.
func instruction(task string, item queue.WorkItem, strategy string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", item.Priority, item.Title)
	if item.Description != "" {
		b.WriteString("\n" + item.Description + "\n")
	}
	if task != "" {
		fmt.Fprintf(&b, "\nOverall task: %s\n", task)
	}
	switch strategy {
	case StrategyDelegateSpecialist:
		b.WriteString("\nEarlier attempts stalled. Work on this as a specialist for its area.\n")
	case StrategyDecompose:
		b.WriteString("\nEarlier attempts stalled. Do not fix this directly: report smaller independent work items as findings.\n")
	}
	return b.String()
}
