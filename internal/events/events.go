// Package events publishes loop progress to NATS.
//
// Every event goes to subject {prefix}.{session}.{kind} as JSON:
//
//	sentinel.6f0c....phase       PhaseEvent
//	sentinel.6f0c....item        ItemEvent
//	sentinel.6f0c....gate        GateEvent
//	sentinel.6f0c....escalation  state.Escalation
//	sentinel.6f0c....outcome     OutcomeEvent
//
// Subscribers can follow one session or all of them with
// "sentinel.*.outcome".
package events

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/sentinel/internal/gates"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

// Kind is the last subject token of an event.
type Kind string

const (
	KindPhase      Kind = "phase"
	KindItem       Kind = "item"
	KindGate       Kind = "gate"
	KindEscalation Kind = "escalation"
	KindOutcome    Kind = "outcome"
)

// Publisher sends loop events. Publishing is best effort; callers log
// errors and carry on.
type Publisher interface {
	Publish(ctx context.Context, session string, kind Kind, payload any) error
	Close() error
}

// PhaseEvent reports a completed phase.
type PhaseEvent struct {
	Iteration int           `json:"iteration"`
	Phase     state.Phase   `json:"phase"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}

// ItemAction describes what happened to a work item.
type ItemAction string

const (
	ItemEnqueued  ItemAction = "enqueued"
	ItemCompleted ItemAction = "completed"
	ItemSkipped   ItemAction = "skipped"
)

// ItemEvent reports a work item change.
type ItemEvent struct {
	Action    ItemAction     `json:"action"`
	Iteration int            `json:"iteration"`
	Item      queue.WorkItem `json:"item"`
}

// GateEvent reports one gate result.
type GateEvent struct {
	Iteration int          `json:"iteration"`
	Result    gates.Result `json:"result"`
}

// OutcomeEvent reports how a session ended.
type OutcomeEvent struct {
	Outcome    state.Outcome `json:"outcome"`
	Iterations int           `json:"iterations"`
	Reason     string        `json:"reason,omitempty"`
	At         time.Time     `json:"at"`
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, string, Kind, any) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }
