package loop

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sentinel/internal/events"
	"github.com/fyrsmithlabs/sentinel/internal/gates"
	"github.com/fyrsmithlabs/sentinel/internal/logging"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/recovery"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

const instrumentationName = "github.com/fyrsmithlabs/sentinel/internal/loop"

// ErrStopped is returned by RunIteration when the operator asked to stop
// at a phase boundary.
var ErrStopped = errors.New("stop requested")

// Controller drives the phase state machine. It is not safe for
// concurrent use; one iteration runs at a time.
type Controller struct {
	settings  Settings
	queue     *queue.Queue
	store     state.Store
	cascade   Cascade
	agents    Dispatcher
	engine    *recovery.Engine
	operator  Operator
	events    events.Publisher
	assessors []Assessor
	hooks     []Hook
	testGate  gates.Gate
	logger    *logging.Logger
	now       func() time.Time

	tracer     trace.Tracer
	phases     metric.Int64Counter
	iterations metric.Int64Counter
}

// New creates a controller. Queue, Store and Cascade are required; every
// other dependency has a default.
func New(settings Settings, deps Deps) (*Controller, error) {
	if deps.Queue == nil {
		return nil, errors.New("loop: queue is required")
	}
	if deps.Store == nil {
		return nil, errors.New("loop: state store is required")
	}
	if deps.Cascade == nil {
		return nil, errors.New("loop: gate cascade is required")
	}

	c := &Controller{
		settings:  settings.normalized(),
		queue:     deps.Queue,
		store:     deps.Store,
		cascade:   deps.Cascade,
		agents:    deps.Agents,
		engine:    deps.Recovery,
		operator:  deps.Operator,
		events:    deps.Events,
		assessors: deps.Assessors,
		hooks:     deps.Hooks,
		testGate:  deps.TestGate,
		logger:    deps.Logger,
		now:       deps.Now,
		tracer:    otel.Tracer(instrumentationName),
	}
	if c.logger == nil {
		c.logger = logging.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.events == nil {
		c.events = events.Nop{}
	}
	if c.engine == nil {
		c.engine = recovery.NewEngine(c.queue,
			recovery.WithLogger(c.logger.Underlying()),
			recovery.WithClock(c.now))
	}
	c.initMetrics()
	return c, nil
}

func (c *Controller) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	c.phases, err = meter.Int64Counter(
		"sentinel.loop.phases_total",
		metric.WithDescription("Loop phases executed"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		c.logger.Warn(context.Background(), "failed to create phase counter", zap.Error(err))
	}

	c.iterations, err = meter.Int64Counter(
		"sentinel.loop.iterations_total",
		metric.WithDescription("Loop iterations completed by outcome"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		c.logger.Warn(context.Background(), "failed to create iteration counter", zap.Error(err))
	}
}

// Settings returns the effective settings.
func (c *Controller) Settings() Settings {
	return c.settings
}

// Engine returns the recovery engine the controller records failures with.
func (c *Controller) Engine() *recovery.Engine {
	return c.engine
}

// Run drives iterations until the session is done, aborted, or (in dry-run
// mode) one iteration has completed.
func (c *Controller) Run(ctx context.Context, opts Options) (*Result, error) {
	st, err := c.begin(ctx, opts)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithSessionID(ctx, st.SessionID)
	c.logger.Info(ctx, "loop started",
		zap.String("task", st.Task),
		zap.Int("iteration", st.Iteration),
		zap.Int("max_iterations", c.settings.MaxIterations),
		zap.Bool("swarm", c.settings.Swarm),
		zap.Bool("dry_run", c.settings.DryRun),
		zap.Bool("resumed", opts.Resume),
	)

	for {
		if st.Escalation != nil {
			reply, err := c.resolveEscalation(ctx, st)
			if err != nil {
				return c.finish(ctx, st, state.OutcomeAborted, fmt.Sprintf("escalation unanswered: %v", err)), nil
			}
			if reply == state.ReplyStop {
				return c.finish(ctx, st, state.OutcomeAborted, "operator chose stop"), nil
			}
		}
		if err := c.checkStop(ctx); err != nil {
			return c.finish(ctx, st, state.OutcomeAborted, stopReason(err)), nil
		}
		if st.Iteration >= c.settings.MaxIterations {
			return c.finish(ctx, st, state.OutcomeAborted,
				fmt.Sprintf("max iterations (%d) reached without completion", c.settings.MaxIterations)), nil
		}

		next, outcome, err := c.RunIteration(ctx, st)
		st = next
		if err != nil {
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				return c.finish(ctx, st, state.OutcomeAborted, stopReason(err)), nil
			}
			return c.finish(ctx, st, state.OutcomeAborted, err.Error()), err
		}
		if outcome == state.OutcomeDone {
			return c.finish(ctx, st, state.OutcomeDone, fmt.Sprintf("%d consecutive clean iterations", st.ConsecutivePasses)), nil
		}
		if c.settings.DryRun {
			return c.finish(ctx, st, state.OutcomeContinue, "dry run"), nil
		}
	}
}

func (c *Controller) begin(ctx context.Context, opts Options) (*state.LoopState, error) {
	if opts.Resume {
		st, err := c.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("resuming session: %w", err)
		}
		if st.Phase.Terminal() {
			return nil, fmt.Errorf("session %s already ended with %s", st.SessionID, st.Phase)
		}
		if err := c.queue.Restore(st.WorkQueue); err != nil {
			return nil, fmt.Errorf("restoring work queue: %w", err)
		}
		c.engine.Restore(st.Errors)
		if st.GateResults == nil {
			st.GateResults = make(map[string]gates.Result)
		}
		if st.Task == "" {
			st.Task = opts.Task
		}
		if st.Strategy == "" {
			c.resetStrategies(st)
		}
		return st, nil
	}

	if strings.TrimSpace(opts.Task) == "" {
		return nil, errors.New("a task description is required")
	}
	st := state.New(opts.Task, c.now())
	c.resetStrategies(st)
	c.sync(st)
	if err := c.store.Save(ctx, st); err != nil {
		return nil, fmt.Errorf("saving initial state: %w", err)
	}
	return st, nil
}

func (c *Controller) resetStrategies(st *state.LoopState) {
	st.Strategy = c.settings.Strategies[0]
	st.TriedStrategies = []string{st.Strategy}
}

// cycle is the scratch space of one iteration.
type cycle struct {
	started     time.Time
	known       map[string]bool
	stall       Stall
	pivoted     bool
	planned     []queue.WorkItem
	changed     bool
	completed   []string
	coverage    *float64
	outcome     state.Outcome
	escalations int
}

// RunIteration runs one pass through the phases on a copy of st and
// returns the new state with the iteration's outcome. The returned error
// is ErrStopped or a context error when the run was interrupted, or a
// persistence failure.
func (c *Controller) RunIteration(ctx context.Context, st *state.LoopState) (*state.LoopState, state.Outcome, error) {
	if st == nil {
		return nil, state.OutcomeAborted, errors.New("loop: nil state")
	}
	st = st.Clone()
	if st.GateResults == nil {
		st.GateResults = make(map[string]gates.Result)
	}

	cy := &cycle{started: c.now(), known: make(map[string]bool)}
	for _, it := range c.queue.Items() {
		cy.known[it.ID] = true
	}

	ctx = logging.WithSessionID(ctx, st.SessionID)
	ctx = logging.WithIteration(ctx, st.Iteration+1)
	ctx, span := c.tracer.Start(ctx, "loop.iteration",
		trace.WithAttributes(attribute.Int("loop.iteration", st.Iteration+1)))
	defer span.End()

	steps := []struct {
		phase state.Phase
		run   func(context.Context, *state.LoopState, *cycle) error
	}{
		{state.PhaseContextualize, c.contextualize},
		{state.PhaseAssess, c.assess},
		{state.PhaseMetaCognition, c.metaCognition},
		{state.PhasePlan, c.plan},
		{state.PhaseBuild, c.build},
		{state.PhaseTest, c.test},
		{state.PhaseQuality, c.quality},
		{state.PhaseCheckpoint, c.checkpoint},
		{state.PhaseReassess, c.reassess},
		{state.PhaseEvaluate, c.evaluate},
	}
	for _, s := range steps {
		if err := c.runPhase(ctx, st, s.phase, cy, s.run); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return st, state.OutcomeAborted, err
		}
	}

	if cy.outcome != state.OutcomeDone {
		if err := c.runPhase(ctx, st, state.PhaseRecover, cy, c.retryDue); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return st, state.OutcomeAborted, err
		}
	}

	span.SetAttributes(attribute.String("loop.outcome", string(cy.outcome)))
	if c.iterations != nil {
		c.iterations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(cy.outcome))))
	}
	c.logger.Info(ctx, "iteration finished",
		zap.String("outcome", string(cy.outcome)),
		zap.Int("consecutive_passes", st.ConsecutivePasses),
		zap.Int("open_items", c.queue.Open()),
		zap.Duration("duration", c.now().Sub(cy.started)),
	)
	return st, cy.outcome, nil
}

// runPhase checks for a stop, runs fn as phase and persists the state.
func (c *Controller) runPhase(ctx context.Context, st *state.LoopState, phase state.Phase, cy *cycle,
	fn func(context.Context, *state.LoopState, *cycle) error) error {
	if err := c.checkStop(ctx); err != nil {
		return err
	}

	st.Phase = phase
	ctx = logging.WithPhase(ctx, string(phase))
	ctx, span := c.tracer.Start(ctx, "loop.phase", trace.WithAttributes(
		attribute.String("loop.phase", string(phase)),
		attribute.Int("loop.iteration", st.Iteration),
	))
	defer span.End()

	start := c.now()
	err := fn(ctx, st, cy)

	c.sync(st)
	if serr := c.store.Save(context.WithoutCancel(ctx), st); serr != nil {
		err = errors.Join(err, fmt.Errorf("saving state after %s: %w", phase, serr))
	}
	if c.phases != nil {
		c.phases.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", string(phase))))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	elapsed := c.now().Sub(start)
	c.logger.Debug(ctx, "phase complete", zap.Duration("duration", elapsed))
	c.publish(ctx, st, events.KindPhase, events.PhaseEvent{
		Iteration: st.Iteration,
		Phase:     phase,
		Duration:  elapsed,
		At:        c.now(),
	})
	for _, h := range c.hooks {
		h(ctx, st)
	}
	return nil
}

func (c *Controller) checkStop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.operator != nil && c.operator.StopRequested() {
		return ErrStopped
	}
	return nil
}

func stopReason(err error) string {
	switch {
	case errors.Is(err, ErrStopped):
		return "stop requested by operator"
	case errors.Is(err, context.Canceled):
		return "interrupted"
	case err != nil:
		return err.Error()
	}
	return "stopped"
}

// sync copies the queue and recovery records into st.
func (c *Controller) sync(st *state.LoopState) {
	st.WorkQueue = c.queue.Items()
	st.Errors = c.engine.Records()
	st.UpdatedAt = c.now()
}

// resolveEscalation hands the pending escalation to the operator and
// applies the reply.
func (c *Controller) resolveEscalation(ctx context.Context, st *state.LoopState) (state.Reply, error) {
	esc := *st.Escalation
	c.publish(ctx, st, events.KindEscalation, esc)
	c.logger.Warn(ctx, "escalating to operator",
		zap.String("escalation_id", esc.ID),
		zap.String("reason", esc.Reason),
		zap.Strings("items", esc.ItemIDs),
	)

	if c.operator == nil {
		st.Escalation = nil
		return state.ReplyStop, nil
	}
	reply, err := c.operator.Escalate(ctx, esc)
	if err != nil {
		return "", err
	}
	c.logger.Info(ctx, "operator replied", zap.String("escalation_id", esc.ID), zap.String("reply", string(reply)))

	switch reply {
	case state.ReplyContinue:
		c.resetStrategies(st)
	case state.ReplySkip:
		for _, id := range esc.ItemIDs {
			if _, err := c.queue.Skip(id, st.Iteration, "skipped by operator: "+esc.Reason); err != nil {
				c.logger.Warn(ctx, "failed to skip item", zap.String("item_id", id), zap.Error(err))
				continue
			}
			if it, ok := c.queue.Get(id); ok {
				c.publish(ctx, st, events.KindItem, events.ItemEvent{Action: events.ItemSkipped, Iteration: st.Iteration, Item: it})
			}
		}
		c.resetStrategies(st)
	}

	st.Escalation = nil
	c.sync(st)
	if err := c.store.Save(context.WithoutCancel(ctx), st); err != nil {
		c.logger.Error(ctx, "failed to save state after escalation", zap.Error(err))
	}
	return reply, nil
}

// finish records the run outcome. Terminal outcomes are archived, and an
// aborted run dumps its full state to the log and a snapshot.
func (c *Controller) finish(ctx context.Context, st *state.LoopState, outcome state.Outcome, reason string) *Result {
	ctx = context.WithoutCancel(ctx)
	st.Outcome = outcome
	switch outcome {
	case state.OutcomeDone:
		st.Phase = state.PhaseDone
	case state.OutcomeAborted:
		st.Phase = state.PhaseAborted
	}
	c.sync(st)

	if outcome == state.OutcomeAborted {
		c.logger.Error(ctx, "loop aborted",
			zap.String("reason", reason),
			zap.Int("iteration", st.Iteration),
			zap.String("state", state.Dump(st)),
		)
		if token, err := c.store.Snapshot(ctx, st); err != nil {
			c.logger.Error(ctx, "failed to snapshot aborted state", zap.Error(err))
		} else {
			c.logger.Info(ctx, "aborted state snapshotted", zap.String("token", string(token)))
		}
	}
	if err := c.store.Save(ctx, st); err != nil {
		c.logger.Error(ctx, "failed to save final state", zap.Error(err))
	}
	if st.Phase.Terminal() {
		if err := c.store.Archive(ctx, st); err != nil {
			c.logger.Error(ctx, "failed to archive session", zap.Error(err))
		}
	}

	c.publish(ctx, st, events.KindOutcome, events.OutcomeEvent{
		Outcome:    outcome,
		Iterations: st.Iteration,
		Reason:     reason,
		At:         c.now(),
	})
	for _, h := range c.hooks {
		h(ctx, st)
	}
	c.logger.Info(ctx, "loop finished",
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason),
		zap.Int("iterations", st.Iteration),
	)
	return &Result{
		SessionID:  st.SessionID,
		Outcome:    outcome,
		Iterations: st.Iteration,
		Reason:     reason,
		DryRun:     c.settings.DryRun,
		State:      st,
	}
}

// escalate merges e into the state's pending escalation.
func (c *Controller) escalate(ctx context.Context, st *state.LoopState, cy *cycle, e state.Escalation) {
	cy.escalations++
	if st.Escalation == nil {
		e.ID = fmt.Sprintf("esc-%d-%d", st.Iteration, cy.escalations)
		e.Options = state.Replies()
		e.RaisedAt = c.now()
		st.Escalation = &e
	} else {
		cur := st.Escalation
		cur.Reason += "; " + e.Reason
		cur.Evidence = append(cur.Evidence, e.Evidence...)
		for _, id := range e.ItemIDs {
			if !slices.Contains(cur.ItemIDs, id) {
				cur.ItemIDs = append(cur.ItemIDs, id)
			}
		}
	}
	c.logger.Warn(ctx, "escalation raised", zap.String("reason", e.Reason))
}

// recordFailure routes err through the recovery engine and escalates
// when its policy says so.
func (c *Controller) recordFailure(ctx context.Context, st *state.LoopState, cy *cycle, op string, err error, itemID string) recovery.Decision {
	d := c.engine.RecordError(ctx, recovery.Failure{
		Operation: op,
		Source:    op,
		Message:   err.Error(),
		ItemID:    itemID,
		Iteration: st.Iteration,
	})
	if d.Action == recovery.ActionEscalate {
		c.escalate(ctx, st, cy, escalationFor(d.Record))
	}
	return d
}

func escalationFor(rec recovery.ErrorRecord) state.Escalation {
	e := state.Escalation{
		Reason:   fmt.Sprintf("%s failed with a %s error", rec.Operation, rec.Classification),
		Evidence: []string{rec.Message},
	}
	for _, r := range rec.Remediation {
		e.Evidence = append(e.Evidence, "remediation: "+r)
	}
	if rec.ItemID != "" {
		e.ItemIDs = []string{rec.ItemID}
	}
	return e
}

func (c *Controller) publish(ctx context.Context, st *state.LoopState, kind events.Kind, payload any) {
	if err := c.events.Publish(ctx, st.SessionID, kind, payload); err != nil {
		c.logger.Warn(ctx, "failed to publish event", zap.String("kind", string(kind)), zap.Error(err))
	}
}
