package gates

import (
	"context"
	"fmt"
	"strings"
)

// WorkQueueGate fails while the queue holds open items that did not come
// from a gate. Gate-sourced items are tracked by their own gates.
type WorkQueueGate struct{}

// NewWorkQueueGate creates the gate.
func NewWorkQueueGate() *WorkQueueGate {
	return &WorkQueueGate{}
}

// Name returns the gate identifier.
func (g *WorkQueueGate) Name() string {
	return WorkQueue
}

// Evaluate counts open non-gate items.
func (g *WorkQueueGate) Evaluate(_ context.Context, state RepoState) Result {
	if state.Queue == nil {
		return pass(WorkQueue, DetailSkipped)
	}
	var open []string
	for _, it := range state.Queue.Items() {
		if it.Status.IsOpen() && !it.IsGateSourced() {
			open = append(open, fmt.Sprintf("%s [%s] %s (%s)", it.ID, it.Priority, it.Title, it.Status))
		}
	}
	if len(open) == 0 {
		return pass(WorkQueue, "queue drained")
	}
	res := fail(WorkQueue, fmt.Sprintf("%d open work item(s)", len(open)))
	res.Output = strings.Join(open, "\n")
	return res
}
