package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/sentinel/internal/agents"
	"github.com/fyrsmithlabs/sentinel/internal/gates"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/recovery"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

func TestNewMetrics_Once(t *testing.T) {
	assert.Same(t, NewMetrics(), NewMetrics())
}

func TestObserve(t *testing.T) {
	m := NewMetrics()
	st := state.New("task", time.Now())
	st.Iteration = 4
	st.ConsecutivePasses = 1
	st.Phase = state.PhaseQuality
	st.WorkQueue = []queue.WorkItem{
		{ID: "a", Status: queue.StatusPending},
		{ID: "b", Status: queue.StatusPending},
		{ID: "c", Status: queue.StatusDone},
	}
	st.GateResults = map[string]gates.Result{
		"lint": {Name: "lint", Status: gates.StatusFail, Duration: 2 * time.Second},
		"docs": {Name: "docs", Status: gates.StatusWarn},
	}
	st.Errors = []recovery.ErrorRecord{
		{Operation: "x", Classification: recovery.Network, Status: recovery.StatusPendingRetry},
		{Operation: "y", Classification: recovery.Network, Status: recovery.StatusRecovered},
	}
	st.Agents = []agents.AgentTask{{Status: agents.TaskSucceeded}, {Status: agents.TaskFailed}}

	m.Observe(context.Background(), st)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.Iteration))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsecutivePasses))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueItems.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueItems.WithLabelValues("done")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.QueueItems.WithLabelValues("blocked")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.GateStatus.WithLabelValues("lint")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateStatus.WithLabelValues("docs")), "warn counts as passing")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GateDuration.WithLabelValues("lint")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PendingRetries.WithLabelValues("network")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AgentTasks.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Phase.WithLabelValues("QUALITY")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Phase.WithLabelValues("BUILD")))

	m.Observe(context.Background(), nil)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Iteration))
}

func TestOperatorMetrics(t *testing.T) {
	assert.Same(t, NewOperatorMetrics(), NewOperatorMetrics())

	m := NewOperatorMetricsWith(prometheus.NewRegistry())
	m.Observe(SurfaceHTTP, "stop", ResultOK, 3*time.Millisecond)
	m.Observe(SurfaceMCP, "stop", ResultOK, time.Millisecond)
	m.Observe(SurfaceMCP, "reply", ResultRejected, time.Millisecond)
	m.Reply(SurfaceMCP, state.ReplySkip)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Actions.WithLabelValues(SurfaceHTTP, "stop", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Actions.WithLabelValues(SurfaceMCP, "reply", ResultRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Replies.WithLabelValues(SurfaceMCP, "skip")))
	assert.Equal(t, 3, testutil.CollectAndCount(m.Duration))

	var none *OperatorMetrics
	assert.NotPanics(t, func() {
		none.Observe(SurfaceHTTP, "status", ResultOK, time.Second)
		none.Reply(SurfaceHTTP, state.ReplyStop)
	})
}
