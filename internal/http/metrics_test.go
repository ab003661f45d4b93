package http

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sentinel/internal/metrics"
	"github.com/fyrsmithlabs/sentinel/internal/operator"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

func TestActionMiddleware(t *testing.T) {
	m := metrics.NewOperatorMetricsWith(prometheus.NewRegistry())
	broker := operator.NewBroker()
	st := sampleState()
	server, err := NewServer(Deps{
		State:    stateFunc(func(context.Context) (*state.LoopState, error) { return st, nil }),
		Queue:    queue.New(),
		Operator: broker,
		Metrics:  m,
	}, zap.NewNop(), nil)
	require.NoError(t, err)

	do(t, server, http.MethodGet, "/api/v1/status", nil)
	do(t, server, http.MethodGet, "/api/v1/status", nil)
	do(t, server, http.MethodPost, "/api/v1/queue", AddItemRequest{})
	do(t, server, http.MethodPost, "/api/v1/escalation/reply", ReplyRequest{Reply: "continue"})
	do(t, server, http.MethodGet, "/nowhere", nil)

	done := make(chan state.Reply, 1)
	go func() {
		r, _ := broker.Escalate(context.Background(), state.Escalation{ID: "esc-1-1", Options: state.Replies()})
		done <- r
	}()
	require.Eventually(t, func() bool {
		_, ok := broker.Pending()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, http.StatusAccepted,
		do(t, server, http.MethodPost, "/api/v1/escalation/reply", ReplyRequest{ID: "esc-1-1", Reply: "stop"}).Code)
	<-done
	do(t, server, http.MethodPost, "/api/v1/stop", nil)

	actions := func(action, result string) float64 {
		return testutil.ToFloat64(m.Actions.WithLabelValues(metrics.SurfaceHTTP, action, result))
	}
	assert.Equal(t, 2.0, actions("status", metrics.ResultOK))
	assert.Equal(t, 1.0, actions("queue_add", metrics.ResultRejected))
	assert.Equal(t, 1.0, actions("reply", metrics.ResultRejected))
	assert.Equal(t, 1.0, actions("reply", metrics.ResultOK))
	assert.Equal(t, 1.0, actions("stop", metrics.ResultOK))
	assert.Equal(t, 1.0, actions("unmatched", metrics.ResultRejected))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Replies.WithLabelValues(metrics.SurfaceHTTP, string(state.ReplyStop))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Replies.WithLabelValues(metrics.SurfaceHTTP, string(state.ReplyContinue))))
}

func TestResultFor(t *testing.T) {
	assert.Equal(t, metrics.ResultOK, resultFor(http.StatusAccepted))
	assert.Equal(t, metrics.ResultRejected, resultFor(http.StatusConflict))
	assert.Equal(t, metrics.ResultError, resultFor(http.StatusServiceUnavailable))
}

func TestRouteAction(t *testing.T) {
	assert.Equal(t, "reply", routeAction(http.MethodPost, "/api/v1/escalation/reply"))
	assert.Equal(t, "queue_list", routeAction(http.MethodGet, "/api/v1/queue"))
	assert.Equal(t, "unmatched", routeAction(http.MethodDelete, "/api/v1/queue"))
}
