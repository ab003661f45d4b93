package recovery

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sentinel/internal/queue"
)

const instrumentationName = "github.com/fyrsmithlabs/sentinel/internal/recovery"

// maxEvidence bounds the raw message kept on a record.
const maxEvidence = 4096

// RecordStatus is the lifecycle state of an ErrorRecord.
type RecordStatus string

const (
	StatusPendingRetry RecordStatus = "pending_retry"
	StatusRecovered    RecordStatus = "recovered"
	StatusEscalated    RecordStatus = "escalated"
	// StatusHandedOff marks records whose failure now lives in the work
	// queue (enqueued, blocked or paused) rather than in the retry loop.
	StatusHandedOff RecordStatus = "handed_off"
)

// Resolution describes what the engine did once retries ran out.
type Resolution string

const (
	ResolutionNone      Resolution = ""
	ResolutionEnqueued  Resolution = "enqueued"
	ResolutionPaused    Resolution = "paused"
	ResolutionBlocked   Resolution = "blocked"
	ResolutionEscalated Resolution = "escalated"
)

// ErrorRecord tracks one failing operation across retries.
type ErrorRecord struct {
	ID                string       `json:"id"`
	Operation         string       `json:"operation"`
	Source            string       `json:"source,omitempty"`
	Classification    Category     `json:"classification"`
	Message           string       `json:"message"`
	RetryCount        int          `json:"retry_count"`
	MaxRetries        int          `json:"max_retries"`
	NextRetryAt       time.Time    `json:"next_retry_at,omitempty"`
	TimeoutMultiplier float64      `json:"timeout_multiplier,omitempty"`
	Status            RecordStatus `json:"status"`
	Resolution        Resolution   `json:"resolution,omitempty"`
	ItemID            string       `json:"item_id,omitempty"`
	Remediation       []string     `json:"remediation,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Failure is one observed error.
type Failure struct {
	// Operation identifies the retried unit, e.g. "gate:lint" or
	// "agent:<task id>". Failures with the same operation share a record.
	Operation string
	Source    string
	Message   string
	// ItemID is the work item affected, if any. External failures block it.
	ItemID    string
	Iteration int
	// Category overrides classification when set.
	Category Category
}

// Action is what the caller should do next.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionEnqueue  Action = "enqueue"
	ActionPause    Action = "pause"
	ActionBlock    Action = "block"
	ActionEscalate Action = "escalate"
)

// Decision is the engine's answer to a failure.
type Decision struct {
	Record   ErrorRecord
	Action   Action
	Delay    time.Duration
	Priority queue.Priority
	// EnqueuedID is the work item raised on exhaustion.
	EnqueuedID string
}

// WorkQueue is the subset of the queue the engine hands failures to.
type WorkQueue interface {
	Enqueue(item queue.WorkItem) (string, error)
	Block(id, reason string) error
}

// Engine applies recovery policies to failures. It is safe for concurrent
// use by agent workers.
type Engine struct {
	mu           sync.Mutex
	policies     map[Category]Policy
	records      map[string]*ErrorRecord
	order        []string
	totals       map[Category]int
	pausedUntil  time.Time
	queue        WorkQueue
	logger       *zap.Logger
	now          func() time.Time
	tracer       trace.Tracer
	errorCounter metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicies replaces policies for the categories present in p.
func WithPolicies(p map[Category]Policy) Option {
	return func(e *Engine) {
		for c, pol := range p {
			e.policies[c] = pol
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine that hands exhausted failures to q.
func NewEngine(q WorkQueue, opts ...Option) *Engine {
	e := &Engine{
		policies: DefaultPolicies(),
		records:  make(map[string]*ErrorRecord),
		totals:   make(map[Category]int),
		queue:    q,
		logger:   zap.NewNop(),
		now:      time.Now,
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}

	var err error
	e.errorCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"sentinel.recovery.errors_total",
		metric.WithDescription("Failures recorded by the recovery engine"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		e.logger.Warn("failed to create recovery error counter", zap.Error(err))
	}
	return e
}

// Policy returns the policy for c.
func (e *Engine) Policy(c Category) Policy {
	if p, ok := e.policies[c]; ok {
		return p
	}
	return e.policies[Unknown]
}

// RecordError classifies f, advances its operation's record and returns
// what to do next. RetryCount never exceeds the policy's MaxRetries; the
// failure after the last permitted retry applies the exhaustion policy.
func (e *Engine) RecordError(ctx context.Context, f Failure) Decision {
	ctx, span := e.tracer.Start(ctx, "recovery.record_error")
	defer span.End()

	category := f.Category
	if category == "" {
		category = Classify(f.Message, f.Source)
	}
	policy := e.Policy(category)
	op := f.Operation
	if op == "" {
		op = f.Source + ":" + string(category)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.totals[category]++

	rec, ok := e.records[op]
	if !ok || rec.Status != StatusPendingRetry || rec.Classification != category {
		rec = &ErrorRecord{
			ID:             uuid.NewString(),
			Operation:      op,
			Classification: category,
			MaxRetries:     policy.MaxRetries,
			Status:         StatusPendingRetry,
			CreatedAt:      now,
		}
		if !ok {
			e.order = append(e.order, op)
		}
		e.records[op] = rec
	}
	rec.Source = f.Source
	rec.Message = truncate(f.Message, maxEvidence)
	rec.UpdatedAt = now
	if f.ItemID != "" {
		rec.ItemID = f.ItemID
	}

	decision := Decision{Priority: policy.Priority}
	if rec.RetryCount < policy.MaxRetries {
		rec.RetryCount++
		provided, _ := ParseRetryAfter(f.Message)
		decision.Action = ActionRetry
		decision.Delay = policy.Delay(rec.RetryCount, provided)
		rec.NextRetryAt = now.Add(decision.Delay)
		rec.TimeoutMultiplier = policy.TimeoutMultiplier(rec.RetryCount)
	} else {
		e.exhaust(ctx, rec, policy, f, &decision)
	}

	span.SetAttributes(
		attribute.String("error.category", string(category)),
		attribute.String("recovery.action", string(decision.Action)),
		attribute.Int("recovery.retry_count", rec.RetryCount),
	)
	if e.errorCounter != nil {
		e.errorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("category", string(category)),
			attribute.String("action", string(decision.Action)),
		))
	}
	e.logger.Info("failure recorded",
		zap.String("operation", op),
		zap.String("category", string(category)),
		zap.String("action", string(decision.Action)),
		zap.Int("retry_count", rec.RetryCount),
		zap.Int("max_retries", rec.MaxRetries),
		zap.Duration("delay", decision.Delay),
	)

	decision.Record = cloneRecord(rec)
	return decision
}

// exhaust applies the policy's exhaustion action. Caller holds e.mu.
func (e *Engine) exhaust(ctx context.Context, rec *ErrorRecord, policy Policy, f Failure, d *Decision) {
	rec.NextRetryAt = time.Time{}
	rec.Remediation = Remediation(rec.Classification, f.Message)

	action := policy.OnExhaustion
	if action == OnExhaustEscalateRepeat {
		if e.totals[rec.Classification] >= policy.RepeatThreshold {
			action = OnExhaustEscalate
		} else {
			action = OnExhaustEnqueue
		}
	}
	if action == OnExhaustBlock && f.ItemID == "" {
		action = OnExhaustEnqueue
	}

	switch action {
	case OnExhaustPause:
		delay := policy.Delay(rec.RetryCount+1, 0)
		if provided, ok := ParseRetryAfter(f.Message); ok {
			delay = provided
		}
		if until := e.now().Add(delay); until.After(e.pausedUntil) {
			e.pausedUntil = until
		}
		rec.Status = StatusHandedOff
		rec.Resolution = ResolutionPaused
		d.Action = ActionPause
		d.Delay = delay

	case OnExhaustBlock:
		if err := e.queue.Block(f.ItemID, fmt.Sprintf("%s failure: %s", rec.Classification, firstLine(f.Message))); err != nil {
			e.logger.Warn("failed to block item", zap.String("item_id", f.ItemID), zap.Error(err))
		}
		rec.Status = StatusHandedOff
		rec.Resolution = ResolutionBlocked
		d.Action = ActionBlock

	case OnExhaustEscalate:
		rec.Status = StatusEscalated
		rec.Resolution = ResolutionEscalated
		d.Action = ActionEscalate

	default:
		id, err := e.enqueue(rec, policy, f)
		if err != nil {
			// Without a queue entry the failure would vanish; escalate it.
			e.logger.Error("failed to enqueue failure, escalating",
				zap.String("operation", rec.Operation), zap.Error(err))
			rec.Status = StatusEscalated
			rec.Resolution = ResolutionEscalated
			d.Action = ActionEscalate
			return
		}
		rec.Status = StatusHandedOff
		rec.Resolution = ResolutionEnqueued
		rec.ItemID = id
		d.Action = ActionEnqueue
		d.EnqueuedID = id
	}
}

func (e *Engine) enqueue(rec *ErrorRecord, policy Policy, f Failure) (string, error) {
	if e.queue == nil {
		return "", fmt.Errorf("no work queue configured")
	}
	var desc strings.Builder
	fmt.Fprintf(&desc, "Operation %s failed with a %s error after %d retries.\n\n", rec.Operation, rec.Classification, rec.RetryCount)
	desc.WriteString(truncate(f.Message, 1024))
	desc.WriteString("\n\nSuggested actions:\n")
	for _, a := range rec.Remediation {
		desc.WriteString("- " + a + "\n")
	}
	item := queue.WorkItem{
		Priority:       policy.Priority,
		Title:          fmt.Sprintf("Resolve %s failure in %s", rec.Classification, rec.Operation),
		Description:    desc.String(),
		AddedIteration: f.Iteration,
		Source:         queue.SourceRecovery + string(rec.Classification),
	}
	return e.queue.Enqueue(item)
}

// Tick returns records whose scheduled retry is due at now. Each due
// record is returned once; its NextRetryAt is cleared until the next
// RecordError or Recovered call.
func (e *Engine) Tick(now time.Time) []ErrorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	var due []ErrorRecord
	for _, op := range e.order {
		rec := e.records[op]
		if rec.Status != StatusPendingRetry || rec.NextRetryAt.IsZero() || rec.NextRetryAt.After(now) {
			continue
		}
		due = append(due, cloneRecord(rec))
		rec.NextRetryAt = time.Time{}
	}
	return due
}

// NextDue returns the earliest scheduled retry, if any.
func (e *Engine) NextDue() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var next time.Time
	for _, rec := range e.records {
		if rec.Status != StatusPendingRetry || rec.NextRetryAt.IsZero() {
			continue
		}
		if next.IsZero() || rec.NextRetryAt.Before(next) {
			next = rec.NextRetryAt
		}
	}
	return next, !next.IsZero()
}

// Recovered marks the operation's record recovered. It reports whether a
// pending record existed.
func (e *Engine) Recovered(operation string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[operation]
	if !ok || rec.Status != StatusPendingRetry {
		return false
	}
	rec.Status = StatusRecovered
	rec.NextRetryAt = time.Time{}
	rec.UpdatedAt = e.now()
	e.logger.Info("operation recovered",
		zap.String("operation", operation),
		zap.Int("retries", rec.RetryCount))
	return true
}

// Paused reports whether rate limiting has paused new work at now.
func (e *Engine) Paused(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Before(e.pausedUntil)
}

// PausedUntil returns the end of the current pause, or zero.
func (e *Engine) PausedUntil() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pausedUntil
}

// Records returns copies of every record in first-seen order.
func (e *Engine) Records() []ErrorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ErrorRecord, 0, len(e.order))
	for _, op := range e.order {
		out = append(out, cloneRecord(e.records[op]))
	}
	return out
}

// Restore replaces the engine's records, typically from persisted state.
// Category totals are rebuilt from retry counts.
func (e *Engine) Restore(records []ErrorRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.records = make(map[string]*ErrorRecord, len(records))
	e.order = e.order[:0]
	e.totals = make(map[Category]int)
	for _, r := range records {
		r := cloneRecord(&r)
		if _, seen := e.records[r.Operation]; !seen {
			e.order = append(e.order, r.Operation)
		}
		e.records[r.Operation] = &r
		e.totals[r.Classification] += max(r.RetryCount, 1)
	}
}

func cloneRecord(r *ErrorRecord) ErrorRecord {
	c := *r
	c.Remediation = slices.Clone(r.Remediation)
	return c
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "...[truncated]"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(strings.TrimSpace(s), 200)
}
