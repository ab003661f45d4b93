// Package metrics exposes loop state as Prometheus gauges for the
// /metrics endpoint, and counts operator actions taken over HTTP and MCP.
package metrics

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/sentinel/internal/gates"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/recovery"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the loop gauges.
type Metrics struct {
	Iteration         prometheus.Gauge
	ConsecutivePasses prometheus.Gauge
	QueueItems        *prometheus.GaugeVec
	GateStatus        *prometheus.GaugeVec
	GateDuration      *prometheus.GaugeVec
	PendingRetries    *prometheus.GaugeVec
	AgentTasks        *prometheus.GaugeVec
	Phase             *prometheus.GaugeVec
}

// NewMetrics registers the loop metrics once per process and returns them.
//
// Metrics:
//   - sentinel_loop_iteration - current iteration number
//   - sentinel_loop_consecutive_passes - clean iterations in a row
//   - sentinel_queue_items{status} - work items per status
//   - sentinel_gate_status{gate} - 1 when passing, 0 when failing
//   - sentinel_gate_duration_seconds{gate} - duration of the latest evaluation
//   - sentinel_recovery_pending_retries{category} - records awaiting a retry
//   - sentinel_agent_tasks{status} - agent tasks recorded this session
//   - sentinel_loop_phase{phase} - 1 for the current phase
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Iteration: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "sentinel",
				Subsystem: "loop",
				Name:      "iteration",
				Help:      "Current loop iteration",
			}),
			ConsecutivePasses: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "sentinel",
				Subsystem: "loop",
				Name:      "consecutive_passes",
				Help:      "Consecutive iterations with an empty queue and passing gates",
			}),
			QueueItems: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "sentinel",
				Subsystem: "queue",
				Name:      "items",
				Help:      "Work items by status",
			}, []string{"status"}),
			GateStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "sentinel",
				Subsystem: "gate",
				Name:      "status",
				Help:      "Latest gate result (1=passing, 0=failing)",
			}, []string{"gate"}),
			GateDuration: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "sentinel",
				Subsystem: "gate",
				Name:      "duration_seconds",
				Help:      "Duration of the latest gate evaluation in seconds",
			}, []string{"gate"}),
			PendingRetries: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "sentinel",
				Subsystem: "recovery",
				Name:      "pending_retries",
				Help:      "Error records waiting for a scheduled retry",
			}, []string{"category"}),
			AgentTasks: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "sentinel",
				Subsystem: "agent",
				Name:      "tasks",
				Help:      "Agent tasks recorded in the session by status",
			}, []string{"status"}),
			Phase: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "sentinel",
				Subsystem: "loop",
				Name:      "phase",
				Help:      "1 for the phase the loop is in",
			}, []string{"phase"}),
		}
	})
	return globalMetrics
}

var allPhases = []state.Phase{
	state.PhaseContextualize, state.PhaseAssess, state.PhaseMetaCognition, state.PhasePlan,
	state.PhaseBuild, state.PhaseTest, state.PhaseQuality, state.PhaseCheckpoint,
	state.PhaseReassess, state.PhaseEvaluate, state.PhaseRecover, state.PhaseDone, state.PhaseAborted,
}

// Observe updates every gauge from st. It matches the loop hook signature.
func (m *Metrics) Observe(_ context.Context, st *state.LoopState) {
	if st == nil {
		return
	}
	m.Iteration.Set(float64(st.Iteration))
	m.ConsecutivePasses.Set(float64(st.ConsecutivePasses))

	counts := make(map[queue.Status]int, len(queue.Statuses()))
	for _, it := range st.WorkQueue {
		counts[it.Status]++
	}
	for _, s := range queue.Statuses() {
		m.QueueItems.WithLabelValues(string(s)).Set(float64(counts[s]))
	}

	m.GateStatus.Reset()
	m.GateDuration.Reset()
	for name, res := range st.GateResults {
		m.GateStatus.WithLabelValues(name).Set(passing(res))
		m.GateDuration.WithLabelValues(name).Set(res.Duration.Seconds())
	}

	retries := make(map[recovery.Category]int)
	for _, r := range st.Errors {
		if r.Status == recovery.StatusPendingRetry {
			retries[r.Classification]++
		}
	}
	for _, c := range recovery.Categories() {
		m.PendingRetries.WithLabelValues(string(c)).Set(float64(retries[c]))
	}

	tasks := make(map[string]int)
	for _, t := range st.Agents {
		tasks[string(t.Status)]++
	}
	m.AgentTasks.Reset()
	for status, n := range tasks {
		m.AgentTasks.WithLabelValues(status).Set(float64(n))
	}

	for _, p := range allPhases {
		v := 0.0
		if p == st.Phase {
			v = 1
		}
		m.Phase.WithLabelValues(string(p)).Set(v)
	}
}

func passing(res gates.Result) float64 {
	if res.Status.Passing() {
		return 1
	}
	return 0
}
