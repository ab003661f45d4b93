package queue

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Priority is a severity class for work items.
type Priority string

const (
	S0          Priority = "S0"
	S1          Priority = "S1"
	CoverageGap Priority = "CoverageGap"
	S2          Priority = "S2"
	TechDebt    Priority = "TechDebt"
	S3          Priority = "S3"
	Enhancement Priority = "Enhancement"
)

// DefaultPriorities is the default ordering, highest first.
var DefaultPriorities = []Priority{S0, S1, CoverageGap, S2, TechDebt, S3, Enhancement}

// Status is the lifecycle state of a work item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
)

// Statuses returns every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusClaimed, StatusInProgress, StatusBlocked, StatusDone}
}

// IsOpen reports whether the status still counts against completion.
func (s Status) IsOpen() bool {
	return s != StatusDone
}

// WorkItem is one unit of remediation or feature work.
type WorkItem struct {
	ID                 string    `json:"id"`
	Priority           Priority  `json:"priority"`
	Title              string    `json:"title"`
	Description        string    `json:"description,omitempty"`
	Status             Status    `json:"status"`
	BlockedBy          []string  `json:"blocked_by,omitempty"`
	Blocks             []string  `json:"blocks,omitempty"`
	AddedIteration     int       `json:"added_iteration"`
	CompletedIteration int       `json:"completed_iteration,omitempty"`

	// Source records who created the item: assess, operator, gate:<name>,
	// agent:<type> or recovery:<category>.
	Source string `json:"source,omitempty"`
	// Capability restricts which workers may claim the item. Empty matches
	// every worker.
	Capability string    `json:"capability,omitempty"`
	ClaimedBy  string    `json:"claimed_by,omitempty"`
	Note       string    `json:"note,omitempty"`
	// BlockReason is set while the item is held by an external failure
	// rather than by a dependency.
	BlockReason string    `json:"block_reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the item.
func (w WorkItem) Clone() WorkItem {
	w.BlockedBy = slices.Clone(w.BlockedBy)
	w.Blocks = slices.Clone(w.Blocks)
	return w
}

// Source prefixes used across the loop.
const (
	SourceAssess   = "assess"
	SourceOperator = "operator"
	SourceGate     = "gate:"
	SourceAgent    = "agent:"
	SourceRecovery = "recovery:"
)

// GateSource returns the Source value for items raised by a gate.
func GateSource(gate string) string {
	return SourceGate + gate
}

// IsGateSourced reports whether the item was raised by a quality gate.
func (w WorkItem) IsGateSourced() bool {
	return strings.HasPrefix(w.Source, SourceGate)
}

// PriorityTable maps priorities to ranks. Lower rank is more urgent.
type PriorityTable struct {
	order []Priority
	rank  map[Priority]int
}

// NewPriorityTable builds a table from names listed highest first.
func NewPriorityTable(names []string) (PriorityTable, error) {
	if len(names) == 0 {
		return PriorityTable{}, fmt.Errorf("priority table is empty")
	}
	t := PriorityTable{rank: make(map[Priority]int, len(names))}
	for i, name := range names {
		p := Priority(strings.TrimSpace(name))
		if p == "" {
			return PriorityTable{}, fmt.Errorf("priority %d is empty", i)
		}
		if _, dup := t.rank[p]; dup {
			return PriorityTable{}, fmt.Errorf("priority %q listed twice", p)
		}
		t.rank[p] = i
		t.order = append(t.order, p)
	}
	return t, nil
}

// DefaultPriorityTable returns the default ordering.
func DefaultPriorityTable() PriorityTable {
	names := make([]string, len(DefaultPriorities))
	for i, p := range DefaultPriorities {
		names[i] = string(p)
	}
	t, _ := NewPriorityTable(names)
	return t
}

// Priorities returns the priorities, highest first.
func (t PriorityTable) Priorities() []Priority {
	return slices.Clone(t.order)
}

// Known reports whether p is in the table.
func (t PriorityTable) Known(p Priority) bool {
	_, ok := t.rank[p]
	return ok
}

// Rank returns p's position. Unknown priorities sort after every known one.
func (t PriorityTable) Rank(p Priority) int {
	if r, ok := t.rank[p]; ok {
		return r
	}
	return len(t.order)
}

// AtLeast reports whether p is as urgent as threshold or more.
func (t PriorityTable) AtLeast(p, threshold Priority) bool {
	if !t.Known(threshold) {
		return false
	}
	return t.Rank(p) <= t.Rank(threshold)
}

// Higher returns the more urgent of a and b.
func (t PriorityTable) Higher(a, b Priority) Priority {
	if t.Rank(b) < t.Rank(a) {
		return b
	}
	return a
}

// Parse resolves s case-insensitively against the table.
func (t PriorityTable) Parse(s string) (Priority, error) {
	s = strings.TrimSpace(s)
	for _, p := range t.order {
		if strings.EqualFold(string(p), s) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPriority, s)
}
