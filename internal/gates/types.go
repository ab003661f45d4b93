package gates

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/sentinel/internal/queue"
)

// Gate names, in default cascade order.
const (
	Preflight     = "preflight"
	Lint          = "lint"
	Typecheck     = "typecheck"
	Test          = "test"
	Integration   = "integration"
	Security      = "security"
	Performance   = "performance"
	Documentation = "documentation"
	KnownIssues   = "known-issues"
	WorkQueue     = "work-queue"
	GitClean      = "git-clean"
	FinalVerifier = "final-verifier"

	// Coverage is a severity class reported by the test gate when tests
	// pass but coverage is below threshold.
	Coverage = "coverage"
)

// DefaultOrder is the cascade order.
var DefaultOrder = []string{
	Preflight, Lint, Typecheck, Test, Integration, Security, Performance,
	Documentation, KnownIssues, WorkQueue, GitClean, FinalVerifier,
}

// Status is a gate outcome.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusWarn Status = "warn"
)

// Passing reports whether the status counts as clean. Warnings come from
// non-blocking gates and do not hold up completion.
func (s Status) Passing() bool {
	return s == StatusPass || s == StatusWarn
}

// Result is one gate evaluation.
type Result struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Detail    string        `json:"detail,omitempty"`
	Command   []string      `json:"command,omitempty"`
	Output    string        `json:"output,omitempty"`
	Duration  time.Duration `json:"duration"`
	Blocking  bool          `json:"blocking"`
	// Class selects the severity table entry when it differs from Name,
	// e.g. "coverage" for a test gate that failed on threshold only.
	Class string `json:"class,omitempty"`
	// Coverage is the measured percentage, when the gate reports one.
	Coverage *float64 `json:"coverage,omitempty"`
	// Error is set when the gate's tool could not be started. The cascade
	// raises no work item for it; the failure goes to error recovery.
	Error string `json:"error,omitempty"`
}

// SeverityKey returns the severity table key for the result.
func (r Result) SeverityKey() string {
	if r.Class != "" {
		return r.Class
	}
	return r.Name
}

// QueueView is the read-only queue access gates get.
type QueueView interface {
	Items() []queue.WorkItem
}

// RepoState is what a gate evaluates.
type RepoState struct {
	Dir       string
	Profile   Profile
	Iteration int
	Queue     QueueView
	// Prior holds the results of the gates that ran earlier in the same
	// cascade run, in order.
	Prior []Result
}

// Gate is one quality check.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, state RepoState) Result
}

func pass(name, detail string) Result {
	return Result{Name: name, Status: StatusPass, Detail: detail, Blocking: true}
}

func fail(name, detail string) Result {
	return Result{Name: name, Status: StatusFail, Detail: detail, Blocking: true}
}

// DetailSkipped is the detail of gates with nothing configured to run.
const DetailSkipped = "skipped: not configured"
