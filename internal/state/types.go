package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/sentinel/internal/agents"
	"github.com/fyrsmithlabs/sentinel/internal/gates"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/recovery"
)

var (
	// ErrNotFound is returned when no state exists for a token.
	ErrNotFound = errors.New("state not found")

	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("state store closed")
)

// Phase is a loop phase.
type Phase string

const (
	PhaseContextualize Phase = "CONTEXTUALIZE"
	PhaseAssess        Phase = "ASSESS"
	PhaseMetaCognition Phase = "META_COGNITION"
	PhasePlan          Phase = "PLAN"
	PhaseBuild         Phase = "BUILD"
	PhaseTest          Phase = "TEST"
	PhaseQuality       Phase = "QUALITY"
	PhaseCheckpoint    Phase = "CHECKPOINT"
	PhaseReassess      Phase = "REASSESS"
	PhaseEvaluate      Phase = "EVALUATE"
	PhaseRecover       Phase = "RECOVER"
	PhaseDone          Phase = "DONE"
	PhaseAborted       Phase = "ABORTED"
)

// Terminal reports whether no further phase follows p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseAborted
}

// Outcome is the result of one iteration or of a whole run.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeContinue Outcome = "continue"
	OutcomeDone     Outcome = "done"
	OutcomeAborted  Outcome = "aborted"
	OutcomeEscalate Outcome = "escalate"
)

// IterationSummary records what one iteration observed. Stall detection
// reads nothing else.
type IterationSummary struct {
	Iteration    int                  `json:"iteration"`
	OpenItems    int                  `json:"open_items"`
	Counts       map[queue.Status]int `json:"counts,omitempty"`
	Coverage     *float64             `json:"coverage,omitempty"`
	FailedGates  []string             `json:"failed_gates,omitempty"`
	GatesPassing bool                 `json:"gates_passing"`
	Enqueued     int                  `json:"enqueued"`
	Completed    []string             `json:"completed,omitempty"`
	Planned      []string             `json:"planned,omitempty"`
	Strategy     string               `json:"strategy,omitempty"`
	Stalled      bool                 `json:"stalled,omitempty"`
	Outcome      Outcome              `json:"outcome"`
	StartedAt    time.Time            `json:"started_at"`
	CompletedAt  time.Time            `json:"completed_at"`
}

// Reply is an operator's answer to an escalation.
type Reply string

const (
	ReplyContinue Reply = "continue"
	ReplySkip     Reply = "skip"
	ReplyStop     Reply = "stop"
)

// Replies lists the answers every escalation offers.
func Replies() []Reply {
	return []Reply{ReplyContinue, ReplySkip, ReplyStop}
}

// ParseReply validates an operator answer.
func ParseReply(s string) (Reply, error) {
	r := Reply(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(Replies(), r) {
		return r, nil
	}
	return "", fmt.Errorf("unknown reply %q: want continue, skip or stop", s)
}

// Escalation is a question put to the operator.
type Escalation struct {
	ID       string    `json:"id"`
	Reason   string    `json:"reason"`
	Evidence []string  `json:"evidence,omitempty"`
	Options  []Reply   `json:"options"`
	ItemIDs  []string  `json:"item_ids,omitempty"`
	RaisedAt time.Time `json:"raised_at"`
}

// LoopState is the whole persisted state of one session.
type LoopState struct {
	SessionID         string                  `json:"session_id"`
	Task              string                  `json:"task"`
	Iteration         int                     `json:"iteration"`
	Phase             Phase                   `json:"phase"`
	ConsecutivePasses int                     `json:"consecutive_passes"`
	WorkQueue         []queue.WorkItem        `json:"work_queue"`
	GateResults       map[string]gates.Result `json:"gate_results"`
	History           []IterationSummary      `json:"history"`
	Errors            []recovery.ErrorRecord  `json:"errors"`
	Agents            []agents.AgentTask      `json:"agents"`
	Outcome           Outcome                 `json:"outcome,omitempty"`
	Strategy          string                  `json:"strategy,omitempty"`
	TriedStrategies   []string                `json:"tried_strategies,omitempty"`
	Branch            string                  `json:"branch,omitempty"`
	Escalation        *Escalation             `json:"escalation,omitempty"`
	StartedAt         time.Time               `json:"started_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

// New returns the initial state for task.
func New(task string, now time.Time) *LoopState {
	return &LoopState{
		SessionID:   uuid.NewString(),
		Task:        task,
		GateResults: make(map[string]gates.Result),
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a copy that shares no slices or maps with s.
func (s *LoopState) Clone() *LoopState {
	if s == nil {
		return nil
	}
	c := *s
	c.WorkQueue = make([]queue.WorkItem, len(s.WorkQueue))
	for i, it := range s.WorkQueue {
		c.WorkQueue[i] = it.Clone()
	}
	c.GateResults = make(map[string]gates.Result, len(s.GateResults))
	for k, v := range s.GateResults {
		c.GateResults[k] = v
	}
	c.History = slices.Clone(s.History)
	c.Errors = slices.Clone(s.Errors)
	c.Agents = slices.Clone(s.Agents)
	c.TriedStrategies = slices.Clone(s.TriedStrategies)
	if s.Escalation != nil {
		e := *s.Escalation
		c.Escalation = &e
	}
	return &c
}

// Token identifies a snapshot.
type Token string

// NewToken returns a fresh snapshot token: snap-<unix nanos>-<uuid prefix>.
func NewToken(now time.Time) Token {
	return Token(fmt.Sprintf("snap-%d-%s", now.UnixNano(), uuid.NewString()[:8]))
}

// ArchiveToken is the token under which a session's archive is listed and
// restored.
func ArchiveToken(sessionID string) Token {
	return Token("archive-" + sessionID)
}

// Kind distinguishes listed entries.
type Kind string

const (
	KindSnapshot   Kind = "snapshot"
	KindCheckpoint Kind = "checkpoint"
	KindArchive    Kind = "archive"
)

// SnapshotInfo describes one restorable entry.
type SnapshotInfo struct {
	Token     Token     `json:"token"`
	Kind      Kind      `json:"kind"`
	Name      string    `json:"name,omitempty"`
	SessionID string    `json:"session_id"`
	Iteration int       `json:"iteration"`
	Phase     Phase     `json:"phase"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists loop state. Implementations never expose a partially
// written state to readers.
type Store interface {
	// Save replaces the current state.
	Save(ctx context.Context, s *LoopState) error
	// Load returns the current state, or ErrNotFound.
	Load(ctx context.Context) (*LoopState, error)
	// Snapshot stores an immutable copy of s.
	Snapshot(ctx context.Context, s *LoopState) (Token, error)
	// Checkpoint stores a named snapshot.
	Checkpoint(ctx context.Context, name string, s *LoopState) (Token, error)
	// Restore returns the state stored under token, or ErrNotFound.
	Restore(ctx context.Context, token Token) (*LoopState, error)
	// List returns snapshots, checkpoints and archives, oldest first.
	List(ctx context.Context) ([]SnapshotInfo, error)
	// Archive moves a finished session into history.
	Archive(ctx context.Context, s *LoopState) error
	Close() error
}
