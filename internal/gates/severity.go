package gates

import (
	"fmt"

	"github.com/fyrsmithlabs/sentinel/internal/queue"
)

// DefaultSeverity maps gate names and classes to work item priorities.
func DefaultSeverity() map[string]queue.Priority {
	return map[string]queue.Priority{
		Preflight:     queue.S0,
		Lint:          queue.S1,
		Typecheck:     queue.S1,
		Test:          queue.S0,
		Coverage:      queue.CoverageGap,
		Integration:   queue.S1,
		Security:      queue.S0,
		Performance:   queue.S2,
		Documentation: queue.S3,
		KnownIssues:   queue.S2,
		WorkQueue:     queue.TechDebt,
		GitClean:      queue.S3,
		FinalVerifier: queue.S1,
	}
}

// SeverityTable merges overrides into the default table, validating each
// priority against the queue's priority table.
func SeverityTable(overrides map[string]string, table queue.PriorityTable) (map[string]queue.Priority, error) {
	sev := DefaultSeverity()
	for name, raw := range overrides {
		p, err := table.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("gates.severity.%s: %w", name, err)
		}
		sev[name] = p
	}
	return sev, nil
}
