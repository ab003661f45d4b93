package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/sentinel/internal/state"
)

// Surfaces an operator can reach the loop through.
const (
	SurfaceHTTP = "http"
	SurfaceMCP  = "mcp"
)

// Action results.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

var (
	globalOperator *OperatorMetrics
	operatorOnce   sync.Once
)

// OperatorMetrics counts what operators do to a running loop: status
// reads, queue additions, escalation replies and stop requests.
type OperatorMetrics struct {
	Actions  *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Replies  *prometheus.CounterVec
}

// NewOperatorMetrics registers the operator metrics once per process.
//
// Metrics:
//   - sentinel_operator_actions_total{surface,action,result}
//   - sentinel_operator_action_duration_seconds{surface,action}
//   - sentinel_operator_replies_total{surface,reply} - escalation replies delivered
func NewOperatorMetrics() *OperatorMetrics {
	operatorOnce.Do(func() {
		globalOperator = NewOperatorMetricsWith(prometheus.DefaultRegisterer)
	})
	return globalOperator
}

// NewOperatorMetricsWith registers the operator metrics on reg.
func NewOperatorMetricsWith(reg prometheus.Registerer) *OperatorMetrics {
	f := promauto.With(reg)
	return &OperatorMetrics{
		Actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "operator",
			Name:      "actions_total",
			Help:      "Operator actions by surface, action and result",
		}, []string{"surface", "action", "result"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Subsystem: "operator",
			Name:      "action_duration_seconds",
			Help:      "Time spent serving operator actions",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"surface", "action"}),
		Replies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "operator",
			Name:      "replies_total",
			Help:      "Escalation replies delivered to the loop",
		}, []string{"surface", "reply"}),
	}
}

// Observe records one operator action.
func (m *OperatorMetrics) Observe(surface, action, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(surface, action, result).Inc()
	m.Duration.WithLabelValues(surface, action).Observe(d.Seconds())
}

// Reply records an escalation reply accepted by the loop.
func (m *OperatorMetrics) Reply(surface string, r state.Reply) {
	if m == nil {
		return
	}
	m.Replies.WithLabelValues(surface, string(r)).Inc()
}
