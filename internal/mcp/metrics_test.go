package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sentinel/internal/metrics"
	"github.com/fyrsmithlabs/sentinel/internal/operator"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

func TestToolCallsRecordOperatorActions(t *testing.T) {
	m := metrics.NewOperatorMetricsWith(prometheus.NewRegistry())
	broker := operator.NewBroker()
	st := sampleState()
	s, err := NewServer(&Config{Name: "sentinel", Version: "test", Metrics: m},
		stateFunc(func(context.Context) (*state.LoopState, error) { return st, nil }), queue.New(), broker)
	require.NoError(t, err)
	cs := connect(t, s)

	call[loopStatusOutput](t, cs, "loop_status", nil)
	call[queueAddOutput](t, cs, "queue_add", map[string]any{"title": "x", "priority": "P9"})
	call[escalationReplyOutput](t, cs, "escalation_reply", map[string]any{"reply": "continue"})

	done := make(chan state.Reply, 1)
	go func() {
		r, _ := broker.Escalate(context.Background(), state.Escalation{ID: "esc-4-1", Options: state.Replies()})
		done <- r
	}()
	require.Eventually(t, func() bool {
		_, ok := broker.Pending()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	_, res := call[escalationReplyOutput](t, cs, "escalation_reply", map[string]any{"reply": "continue"})
	require.False(t, res.IsError)
	<-done
	call[loopStopOutput](t, cs, "loop_stop", nil)

	actions := func(action, result string) float64 {
		return testutil.ToFloat64(m.Actions.WithLabelValues(metrics.SurfaceMCP, action, result))
	}
	assert.Equal(t, 1.0, actions("status", metrics.ResultOK))
	assert.Equal(t, 1.0, actions("queue_add", metrics.ResultRejected))
	assert.Equal(t, 1.0, actions("reply", metrics.ResultRejected))
	assert.Equal(t, 1.0, actions("reply", metrics.ResultOK))
	assert.Equal(t, 1.0, actions("stop", metrics.ResultOK))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Replies.WithLabelValues(metrics.SurfaceMCP, string(state.ReplyContinue))))
}

func TestResultOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"success", nil, metrics.ResultOK},
		{"bad input", fmt.Errorf("%w: title is required", errInvalidInput), metrics.ResultRejected},
		{"no loop", errNoLoop, metrics.ResultRejected},
		{"unknown priority", fmt.Errorf("%w: %q", queue.ErrUnknownPriority, "P9"), metrics.ResultRejected},
		{"nothing pending", operator.ErrNoEscalation, metrics.ResultRejected},
		{"stale reply", operator.ErrEscalationMismatch, metrics.ResultRejected},
		{"load failure", fmt.Errorf("loading state: %w", errors.New("disk gone")), metrics.ResultError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resultOf(tt.err))
		})
	}
}

func TestToolAction(t *testing.T) {
	assert.Equal(t, "reply", toolAction("escalation_reply"))
	assert.Equal(t, "other_tool", toolAction("other_tool"))
}
