package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/recovery"
)

type fakeRecorder struct {
	mu       sync.Mutex
	failures []recovery.Failure
}

func (r *fakeRecorder) RecordError(_ context.Context, f recovery.Failure) recovery.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
	return recovery.Decision{Action: recovery.ActionRetry}
}

func specs(n int) []TaskSpec {
	out := make([]TaskSpec, n)
	for i := range out {
		out[i] = TaskSpec{ID: fmt.Sprintf("t%d", i), Type: "builder", ItemID: fmt.Sprintf("item-%d", i)}
	}
	return out
}

func TestSpawn_BoundedConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	exec := FuncExecutor(func(ctx context.Context, spec TaskSpec) (*AgentTask, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return &AgentTask{Summary: spec.ID}, nil
	})

	c := NewCoordinator(exec, WithWorkers(2), WithSpawnRate(1000, 10))
	tasks := c.Spawn(context.Background(), specs(8))

	require.Len(t, tasks, 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	for i, task := range tasks {
		assert.Equal(t, fmt.Sprintf("t%d", i), task.ID, "results keep spec order")
		assert.Equal(t, TaskSucceeded, task.Status)
		assert.Equal(t, task.ID, task.Summary)
		assert.False(t, task.CompletedAt.Before(task.StartedAt))
	}
}

func TestSpawn_StopCheckedBeforeEachSpawn(t *testing.T) {
	var spawned atomic.Int32
	exec := FuncExecutor(func(context.Context, TaskSpec) (*AgentTask, error) {
		spawned.Add(1)
		return nil, nil
	})
	var checks int
	stop := func() bool {
		checks++
		return checks > 2
	}

	c := NewCoordinator(exec, WithWorkers(1), WithSpawnRate(1000, 10), WithStopCheck(stop))
	tasks := c.Spawn(context.Background(), specs(5))

	assert.Len(t, tasks, 2)
	assert.EqualValues(t, 2, spawned.Load())
}

func TestSpawn_TimeoutRoutedToRecovery(t *testing.T) {
	exec := FuncExecutor(func(ctx context.Context, _ TaskSpec) (*AgentTask, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rec := &fakeRecorder{}
	c := NewCoordinator(exec, WithTaskTimeout(30*time.Millisecond), WithRecorder(rec), WithSpawnRate(1000, 10))

	tasks := c.Spawn(context.Background(), specs(1))
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, recovery.Timeout, task.Classification)
	assert.Equal(t, recovery.ActionRetry, task.Recovery)
	assert.NotEmpty(t, task.Error)

	require.Len(t, rec.failures, 1)
	assert.Equal(t, recovery.Timeout, rec.failures[0].Category)
	assert.Equal(t, "item-0", rec.failures[0].ItemID)
	assert.Equal(t, "agent:builder", rec.failures[0].Source)
}

func TestSpawn_FailureWithRecoveryEngine(t *testing.T) {
	q := queue.New()
	engine := recovery.NewEngine(q)
	exec := FuncExecutor(func(context.Context, TaskSpec) (*AgentTask, error) {
		return nil, errors.New("dial tcp: connect: connection refused")
	})
	c := NewCoordinator(exec, WithRecorder(engine), WithSpawnRate(1000, 10))

	tasks := c.Spawn(context.Background(), specs(1))
	require.Len(t, tasks, 1)
	assert.Equal(t, recovery.Network, tasks[0].Classification)
	assert.Equal(t, recovery.ActionRetry, tasks[0].Recovery)

	records := engine.Records()
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].RetryCount)
	assert.Zero(t, q.Len(), "first network failure is retried, not enqueued")
}

func TestSpawn_GeneratesIDs(t *testing.T) {
	exec := FuncExecutor(func(context.Context, TaskSpec) (*AgentTask, error) { return nil, nil })
	c := NewCoordinator(exec, WithSpawnRate(1000, 10))
	tasks := c.Spawn(context.Background(), []TaskSpec{{Type: "review"}})
	require.Len(t, tasks, 1)
	assert.NotEmpty(t, tasks[0].ID)
}

func TestSpawn_CancelledContextSpawnsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := FuncExecutor(func(context.Context, TaskSpec) (*AgentTask, error) { return nil, nil })
	c := NewCoordinator(exec, WithSpawnRate(0.001, 1))

	tasks := c.Spawn(ctx, specs(3))
	assert.Empty(t, tasks)
}
