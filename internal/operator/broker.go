package operator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sentinel/internal/state"
)

var (
	// ErrNoEscalation is returned when a reply arrives with nothing pending.
	ErrNoEscalation = errors.New("no escalation pending")

	// ErrEscalationMismatch is returned when a reply names a different escalation.
	ErrEscalationMismatch = errors.New("reply does not match the pending escalation")
)

// Notifier is told about each escalation as it becomes pending.
type Notifier func(e state.Escalation)

// Broker is the in-process escalation mailbox and stop flag. It is safe for
// concurrent use.
type Broker struct {
	mu        sync.Mutex
	pending   *state.Escalation
	replies   chan state.Reply
	notifiers []Notifier

	stopped    atomic.Bool
	stopReason atomic.Value
	stopCh     chan struct{}
	stopOnce   sync.Once

	logger *zap.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithNotifier registers fn to be called when an escalation is raised.
func WithNotifier(fn Notifier) Option {
	return func(b *Broker) {
		if fn != nil {
			b.notifiers = append(b.notifiers, fn)
		}
	}
}

// NewBroker creates an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		stopCh: make(chan struct{}),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Escalate publishes e and blocks until a reply arrives, a stop is
// requested, or ctx ends. A stop request answers the escalation with stop.
func (b *Broker) Escalate(ctx context.Context, e state.Escalation) (state.Reply, error) {
	ch := make(chan state.Reply, 1)

	b.mu.Lock()
	esc := e
	b.pending = &esc
	b.replies = ch
	notifiers := append([]Notifier(nil), b.notifiers...)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.replies == ch {
			b.pending = nil
			b.replies = nil
		}
		b.mu.Unlock()
	}()

	b.logger.Info("escalation pending", zap.String("escalation_id", e.ID), zap.String("reason", e.Reason))
	for _, fn := range notifiers {
		fn(e)
	}

	select {
	case r := <-ch:
		return r, nil
	case <-b.stopCh:
		return state.ReplyStop, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Pending returns the escalation waiting for a reply.
func (b *Broker) Pending() (state.Escalation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return state.Escalation{}, false
	}
	return *b.pending, true
}

// Reply answers the pending escalation. An empty id matches whatever is
// pending; otherwise id must name it.
func (b *Broker) Reply(id string, r state.Reply) error {
	if _, err := state.ParseReply(string(r)); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return ErrNoEscalation
	}
	if id != "" && id != b.pending.ID {
		return fmt.Errorf("%w: pending %s, got %s", ErrEscalationMismatch, b.pending.ID, id)
	}
	// The channel has room for one reply; a second reply before the
	// controller wakes is dropped.
	select {
	case b.replies <- r:
	default:
		return ErrNoEscalation
	}
	b.logger.Info("escalation answered", zap.String("escalation_id", b.pending.ID), zap.String("reply", string(r)))
	b.pending = nil
	return nil
}

// RequestStop asks the loop to stop at the next phase boundary. Only the
// first reason is kept.
func (b *Broker) RequestStop(reason string) {
	b.stopOnce.Do(func() {
		if reason == "" {
			reason = "stop requested"
		}
		b.stopReason.Store(reason)
		b.stopped.Store(true)
		close(b.stopCh)
		b.logger.Warn("stop requested", zap.String("reason", reason))
	})
}

// StopRequested reports whether a stop was requested.
func (b *Broker) StopRequested() bool {
	return b.stopped.Load()
}

// StopReason returns the reason given to the first RequestStop.
func (b *Broker) StopReason() string {
	if v, ok := b.stopReason.Load().(string); ok {
		return v
	}
	return ""
}

// Done is closed once a stop is requested.
func (b *Broker) Done() <-chan struct{} {
	return b.stopCh
}
