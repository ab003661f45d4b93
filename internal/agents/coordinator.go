package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/sentinel/internal/recovery"
)

const instrumentationName = "github.com/fyrsmithlabs/sentinel/internal/agents"

const (
	DefaultWorkers     = 3
	DefaultTaskTimeout = 10 * time.Minute
	defaultSpawnRate   = 2.0
	defaultSpawnBurst  = 3
)

// Recorder receives failed tasks. *recovery.Engine implements it.
type Recorder interface {
	RecordError(ctx context.Context, f recovery.Failure) recovery.Decision
}

// Coordinator fans tasks out to an Executor with bounded concurrency.
type Coordinator struct {
	executor Executor
	workers  int
	timeout  time.Duration
	limiter  *rate.Limiter
	recorder Recorder
	stopped  func() bool
	now      func() time.Time
	logger   *zap.Logger

	tracer  trace.Tracer
	counter metric.Int64Counter
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorkers bounds concurrent tasks. Values below 1 are ignored.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithTaskTimeout bounds each task.
func WithTaskTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithSpawnRate throttles task starts to r per second with the given burst.
func WithSpawnRate(r float64, burst int) Option {
	return func(c *Coordinator) {
		if r > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// WithRecorder routes failed tasks to r.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// WithStopCheck sets the function consulted before every spawn.
func WithStopCheck(stopped func() bool) Option {
	return func(c *Coordinator) {
		if stopped != nil {
			c.stopped = stopped
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a coordinator for exec.
func NewCoordinator(exec Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		executor: exec,
		workers:  DefaultWorkers,
		timeout:  DefaultTaskTimeout,
		limiter:  rate.NewLimiter(rate.Limit(defaultSpawnRate), defaultSpawnBurst),
		stopped:  func() bool { return false },
		now:      time.Now,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	c.counter, err = otel.Meter(instrumentationName).Int64Counter(
		"sentinel.agents.tasks_total",
		metric.WithDescription("Agent tasks by type and status"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		c.logger.Warn("failed to create agent task counter", zap.Error(err))
	}
	return c
}

// Workers returns the concurrency bound.
func (c *Coordinator) Workers() int {
	return c.workers
}

// TaskTimeout returns the deadline applied to specs without their own.
func (c *Coordinator) TaskTimeout() time.Duration {
	return c.timeout
}

// Spawn runs specs concurrently, at most Workers at a time, and waits for
// every spawned task. Stop is checked before each spawn; specs not spawned
// are absent from the result. Results keep spec order.
func (c *Coordinator) Spawn(ctx context.Context, specs []TaskSpec) []*AgentTask {
	ctx, span := c.tracer.Start(ctx, "agents.spawn",
		trace.WithAttributes(attribute.Int("agents.requested", len(specs))))
	defer span.End()

	results := make([]*AgentTask, len(specs))
	g := new(errgroup.Group)
	g.SetLimit(c.workers)

	for i, spec := range specs {
		if c.stopped() {
			c.logger.Info("stop requested, not spawning remaining tasks", zap.Int("remaining", len(specs)-i))
			break
		}
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Warn("spawn throttle interrupted", zap.Error(err))
			break
		}
		if spec.ID == "" {
			spec.ID = uuid.NewString()
		}
		g.Go(func() error {
			results[i] = c.run(ctx, spec)
			return nil
		})
	}
	_ = g.Wait()

	spawned := make([]*AgentTask, 0, len(results))
	for _, t := range results {
		if t != nil {
			spawned = append(spawned, t)
		}
	}
	span.SetAttributes(attribute.Int("agents.spawned", len(spawned)))
	return spawned
}

func (c *Coordinator) run(ctx context.Context, spec TaskSpec) *AgentTask {
	ctx, span := c.tracer.Start(ctx, "agents.task", trace.WithAttributes(
		attribute.String("agent.type", spec.Type),
		attribute.String("agent.task_id", spec.ID),
	))
	defer span.End()

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := c.now()
	out, err := c.executor.Execute(taskCtx, spec)

	task := &AgentTask{}
	if out != nil {
		task = out
	}
	task.ID = spec.ID
	task.Type = spec.Type
	task.Instruction = spec.Instruction
	task.ItemID = spec.ItemID
	task.StartedAt = started
	task.CompletedAt = c.now()
	task.Status = TaskSucceeded

	if err == nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("agent %s timed out after %s", spec.Type, timeout)
	}
	if err != nil {
		task.Status = TaskFailed
		task.Error = err.Error()
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			task.Classification = recovery.Timeout
		} else {
			task.Classification = recovery.Classify(err.Error(), "")
		}
		if c.recorder != nil {
			d := c.recorder.RecordError(ctx, recovery.Failure{
				Operation: Operation(spec.Type, spec.ItemID),
				Source:    "agent:" + spec.Type,
				Message:   err.Error(),
				ItemID:    spec.ItemID,
				Iteration: spec.Iteration,
				Category:  task.Classification,
			})
			task.Recovery = d.Action
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("agent task failed",
			zap.String("task_id", task.ID),
			zap.String("type", task.Type),
			zap.String("classification", string(task.Classification)),
			zap.Error(err),
		)
	} else {
		c.logger.Debug("agent task succeeded",
			zap.String("task_id", task.ID),
			zap.String("type", task.Type),
			zap.Int("findings", len(task.Findings)),
		)
	}

	if c.counter != nil {
		c.counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", task.Type),
			attribute.String("status", string(task.Status)),
		))
	}
	return task
}
