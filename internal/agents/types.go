package agents

import (
	"context"
	"strings"
	"time"

	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/recovery"
)

// TaskStatus is the lifecycle state of an AgentTask.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Finding is one issue reported by an agent.
type Finding struct {
	Severity string `json:"severity"`
	Category string `json:"category"`
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
}

// TaskSpec describes work handed to an executor.
type TaskSpec struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"`
	Instruction string        `json:"instruction"`
	ItemID      string        `json:"item_id,omitempty"`
	Iteration   int           `json:"iteration"`
	Timeout     time.Duration `json:"-"`
}

// AgentTask is the recorded outcome of one spawned task.
type AgentTask struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Instruction    string            `json:"instruction"`
	ItemID         string            `json:"item_id,omitempty"`
	Status         TaskStatus        `json:"status"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    time.Time         `json:"completed_at,omitempty"`
	Findings       []Finding         `json:"findings,omitempty"`
	Summary        string            `json:"summary,omitempty"`
	Error          string            `json:"error,omitempty"`
	Classification recovery.Category `json:"classification,omitempty"`
	// Recovery is the engine's decision for a failed task.
	Recovery recovery.Action `json:"recovery,omitempty"`
}

// Executor runs one agent task. Implementations fill Findings and Summary;
// the coordinator owns ID, timing and status.
type Executor interface {
	Execute(ctx context.Context, spec TaskSpec) (*AgentTask, error)
}

// FuncExecutor adapts a function to Executor.
type FuncExecutor func(ctx context.Context, spec TaskSpec) (*AgentTask, error)

// Execute calls f.
func (f FuncExecutor) Execute(ctx context.Context, spec TaskSpec) (*AgentTask, error) {
	return f(ctx, spec)
}

// severityAliases maps free-form agent severities onto queue priorities.
var severityAliases = map[string]queue.Priority{
	"critical": queue.S0,
	"blocker":  queue.S0,
	"high":     queue.S1,
	"major":    queue.S1,
	"medium":   queue.S2,
	"moderate": queue.S2,
	"low":      queue.S3,
	"minor":    queue.S3,
	"info":     queue.Enhancement,
}

// FindingPriority resolves a finding severity against table. Unknown
// severities are S2.
func FindingPriority(severity string, table queue.PriorityTable) queue.Priority {
	if p, err := table.Parse(severity); err == nil {
		return p
	}
	if p, ok := severityAliases[strings.ToLower(strings.TrimSpace(severity))]; ok && table.Known(p) {
		return p
	}
	return queue.S2
}

// Operation is the recovery operation key for a task of taskType working
// on itemID. Failures of the same agent type on the same item share a
// retry record.
func Operation(taskType, itemID string) string {
	return "agent:" + taskType + ":" + itemID
}
