package gates

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sentinel/internal/config"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
)

const instrumentationName = "github.com/fyrsmithlabs/sentinel/internal/gates"

// Queue is the queue access the cascade needs to raise and resolve items.
type Queue interface {
	QueueView
	Enqueue(item queue.WorkItem) (string, error)
	FindOpen(source string) (queue.WorkItem, bool)
	Complete(id string, iteration int) ([]string, error)
}

// Report is the outcome of one cascade run.
type Report struct {
	Results []Result `json:"results"`
	// Enqueued lists work items raised for failing gates.
	Enqueued []string `json:"enqueued,omitempty"`
	// Resolved lists gate-sourced items completed because their gate passed.
	Resolved []string `json:"resolved,omitempty"`
}

// Errored returns the results of gates whose tool could not be run.
func (r Report) Errored() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Error != "" {
			out = append(out, res)
		}
	}
	return out
}

// Map returns the results keyed by gate name.
func (r Report) Map() map[string]Result {
	m := make(map[string]Result, len(r.Results))
	for _, res := range r.Results {
		m[res.Name] = res
	}
	return m
}

// AllPassing reports whether every gate passed or warned.
func (r Report) AllPassing() bool {
	for _, res := range r.Results {
		if !res.Status.Passing() {
			return false
		}
	}
	return true
}

// Failed returns the names of failing gates.
func (r Report) Failed() []string {
	var out []string
	for _, res := range r.Results {
		if !res.Status.Passing() {
			out = append(out, res.Name)
		}
	}
	return out
}

// Cascade runs gates in order and feeds failures into the work queue.
type Cascade struct {
	gates    []Gate
	queue    Queue
	severity map[string]queue.Priority
	logger   *zap.Logger

	tracer      trace.Tracer
	evaluations metric.Int64Counter
	duration    metric.Float64Histogram
}

// CascadeOption configures a Cascade.
type CascadeOption func(*Cascade)

// WithSeverity replaces the severity table.
func WithSeverity(sev map[string]queue.Priority) CascadeOption {
	return func(c *Cascade) {
		c.severity = sev
	}
}

// WithLogger sets the cascade logger.
func WithLogger(l *zap.Logger) CascadeOption {
	return func(c *Cascade) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCascade creates a cascade over gates, in the order given.
func NewCascade(q Queue, gates []Gate, opts ...CascadeOption) *Cascade {
	c := &Cascade{
		gates:    gates,
		queue:    q,
		severity: DefaultSeverity(),
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.initMetrics()
	return c
}

func (c *Cascade) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	c.evaluations, err = meter.Int64Counter(
		"sentinel.gates.evaluations_total",
		metric.WithDescription("Gate evaluations by gate and status"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		c.logger.Warn("failed to create gate evaluation counter", zap.Error(err))
	}

	c.duration, err = meter.Float64Histogram(
		"sentinel.gates.duration_seconds",
		metric.WithDescription("Gate evaluation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		c.logger.Warn("failed to create gate duration histogram", zap.Error(err))
	}
}

// Gates returns the gate names in run order.
func (c *Cascade) Gates() []string {
	names := make([]string, len(c.gates))
	for i, g := range c.gates {
		names[i] = g.Name()
	}
	return names
}

// Run evaluates every gate. A failure never stops later gates from running.
// Each failing gate gets at most one open work item; a gate that passes
// again completes its open item. A gate whose tool could not be run raises
// no item; see Report.Errored.
func (c *Cascade) Run(ctx context.Context, state RepoState) Report {
	ctx, span := c.tracer.Start(ctx, "gates.cascade")
	defer span.End()

	if state.Queue == nil && c.queue != nil {
		state.Queue = c.queue
	}

	report := Report{Results: make([]Result, 0, len(c.gates))}
	for _, g := range c.gates {
		gs := state
		gs.Prior = append([]Result(nil), report.Results...)
		res := c.evaluate(ctx, g, gs)
		report.Results = append(report.Results, res)

		if res.Status.Passing() {
			if id := c.resolve(res.Name, state.Iteration); id != "" {
				report.Resolved = append(report.Resolved, id)
			}
			continue
		}
		if res.Error != "" {
			c.logger.Warn("gate could not run", zap.String("gate", res.Name), zap.String("error", res.Error))
			continue
		}
		if id := c.raise(res, state.Iteration); id != "" {
			report.Enqueued = append(report.Enqueued, id)
		}
	}

	failed := report.Failed()
	span.SetAttributes(
		attribute.Int("gates.total", len(report.Results)),
		attribute.Int("gates.failed", len(failed)),
		attribute.Int("gates.enqueued", len(report.Enqueued)),
	)
	if len(failed) > 0 {
		span.SetStatus(codes.Error, "gates failing: "+strings.Join(failed, ","))
	}
	return report
}

func (c *Cascade) evaluate(ctx context.Context, g Gate, state RepoState) Result {
	ctx, span := c.tracer.Start(ctx, "gates.evaluate", trace.WithAttributes(attribute.String("gate.name", g.Name())))
	defer span.End()

	start := time.Now()
	var res Result
	if err := ctx.Err(); err != nil {
		res = fail(g.Name(), fmt.Sprintf("not run: %v", err))
	} else {
		res = g.Evaluate(ctx, state)
	}
	if res.Name == "" {
		res.Name = g.Name()
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now()
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}

	span.SetAttributes(attribute.String("gate.status", string(res.Status)))
	if res.Status == StatusFail {
		span.SetStatus(codes.Error, res.Detail)
	}
	attrs := metric.WithAttributes(
		attribute.String("gate", res.Name),
		attribute.String("status", string(res.Status)),
	)
	if c.evaluations != nil {
		c.evaluations.Add(ctx, 1, attrs)
	}
	if c.duration != nil {
		c.duration.Record(ctx, res.Duration.Seconds(), attrs)
	}

	c.logger.Debug("gate evaluated",
		zap.String("gate", res.Name),
		zap.String("status", string(res.Status)),
		zap.String("detail", res.Detail),
		zap.Duration("duration", res.Duration),
	)
	return res
}

// raise enqueues a work item for a failing gate unless one is already open.
func (c *Cascade) raise(res Result, iteration int) string {
	if c.queue == nil {
		return ""
	}
	source := queue.GateSource(res.Name)
	if existing, ok := c.queue.FindOpen(source); ok {
		c.logger.Debug("gate already has an open item",
			zap.String("gate", res.Name), zap.String("item_id", existing.ID))
		return ""
	}

	priority, ok := c.severity[res.SeverityKey()]
	if !ok {
		priority = queue.S2
	}
	id, err := c.queue.Enqueue(queue.WorkItem{
		Priority:       priority,
		Title:          title(res),
		Description:    description(res),
		AddedIteration: iteration,
		Source:         source,
	})
	if err != nil {
		c.logger.Error("failed to enqueue gate failure", zap.String("gate", res.Name), zap.Error(err))
		return ""
	}
	c.logger.Info("gate failure enqueued",
		zap.String("gate", res.Name),
		zap.String("item_id", id),
		zap.String("priority", string(priority)),
	)
	return id
}

// resolve completes the open item raised by a gate that now passes.
func (c *Cascade) resolve(gate string, iteration int) string {
	if c.queue == nil {
		return ""
	}
	existing, ok := c.queue.FindOpen(queue.GateSource(gate))
	if !ok {
		return ""
	}
	if _, err := c.queue.Complete(existing.ID, iteration); err != nil {
		c.logger.Warn("failed to resolve gate item", zap.String("gate", gate), zap.Error(err))
		return ""
	}
	return existing.ID
}

func title(res Result) string {
	if res.Class == Coverage {
		return "Raise test coverage above threshold"
	}
	return fmt.Sprintf("Fix %s gate failures", res.Name)
}

func description(res Result) string {
	var b strings.Builder
	b.WriteString(res.Detail)
	if len(res.Command) > 0 {
		fmt.Fprintf(&b, "\n\nCommand: %s", strings.Join(res.Command, " "))
	}
	if res.Output != "" {
		b.WriteString("\n\nOutput:\n")
		b.WriteString(tail(res.Output, 4096))
	}
	return b.String()
}

// Options configures BuildCascade.
type Options struct {
	Config    config.GatesConfig
	Queue     Queue
	Table     queue.PriorityTable
	Logger    *zap.Logger
	Allowlist *Allowlist
}

// BuildCascade assembles the default gate order, dropping disabled gates.
func BuildCascade(opts Options) (*Cascade, error) {
	sev, err := SeverityTable(opts.Config.Severity, opts.Table)
	if err != nil {
		return nil, err
	}
	security, err := NewSecurityGate(opts.Allowlist)
	if err != nil {
		return nil, err
	}
	threshold := opts.Config.CoverageThreshold

	available := map[string]Gate{
		Preflight:     NewPreflightGate(),
		Lint:          NewCommandGate(Lint),
		Typecheck:     NewCommandGate(Typecheck),
		Test:          NewCoverageGate(threshold),
		Integration:   NewCommandGate(Integration),
		Security:      security,
		Performance:   NewCommandGate(Performance),
		Documentation: NewDocumentationGate(),
		KnownIssues:   NewKnownIssuesGate(opts.Config.KnownIssuesFile),
		WorkQueue:     NewWorkQueueGate(),
		GitClean:      NewGitCleanGate(),
		FinalVerifier: NewFinalVerifierGate(),
	}

	disabled := make(map[string]bool, len(opts.Config.Disabled))
	for _, name := range opts.Config.Disabled {
		if _, ok := available[name]; !ok {
			return nil, fmt.Errorf("gates.disabled: unknown gate %q", name)
		}
		disabled[name] = true
	}

	var ordered []Gate
	for _, name := range DefaultOrder {
		if !disabled[name] {
			ordered = append(ordered, available[name])
		}
	}
	return NewCascade(opts.Queue, ordered, WithSeverity(sev), WithLogger(opts.Logger)), nil
}
