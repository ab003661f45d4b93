package http

import (
	"time"

	"github.com/fyrsmithlabs/sentinel/internal/gates"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	SessionID         string                  `json:"session_id"`
	Task              string                  `json:"task"`
	Phase             state.Phase             `json:"phase"`
	Iteration         int                     `json:"iteration"`
	MaxIterations     int                     `json:"max_iterations,omitempty"`
	ConsecutivePasses int                     `json:"consecutive_passes"`
	RequiredPasses    int                     `json:"required_passes,omitempty"`
	Outcome           state.Outcome           `json:"outcome,omitempty"`
	Strategy          string                  `json:"strategy,omitempty"`
	Branch            string                  `json:"branch,omitempty"`
	Counts            map[queue.Status]int    `json:"counts"`
	Gates             map[string]gates.Status `json:"gates"`
	History           []HistoryPoint          `json:"history"`
	Escalation        *state.Escalation       `json:"escalation,omitempty"`
	StopRequested     bool                    `json:"stop_requested"`
	StartedAt         time.Time               `json:"started_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

// HistoryPoint is one iteration summary trimmed for dashboards.
type HistoryPoint struct {
	Iteration   int      `json:"iteration"`
	OpenItems   int      `json:"open_items"`
	FailedGates []string `json:"failed_gates,omitempty"`
	Coverage    *float64 `json:"coverage,omitempty"`
	Stalled     bool     `json:"stalled,omitempty"`
}

// QueueResponse is the response body for GET /api/v1/queue.
type QueueResponse struct {
	Items  []queue.WorkItem     `json:"items"`
	Counts map[queue.Status]int `json:"counts"`
}

// AddItemRequest is the request body for POST /api/v1/queue.
type AddItemRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// AddItemResponse is the response body for POST /api/v1/queue.
type AddItemResponse struct {
	ID string `json:"id"`
}

// ReplyRequest is the request body for POST /api/v1/escalation/reply.
type ReplyRequest struct {
	// ID names the escalation being answered; empty answers whatever is pending.
	ID    string `json:"id,omitempty"`
	Reply string `json:"reply"`
}

// StopRequest is the request body for POST /api/v1/stop.
type StopRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AcceptedResponse acknowledges an operator action.
type AcceptedResponse struct {
	Status string `json:"status"`
}

// NewStatus builds the status view of st.
func NewStatus(st *state.LoopState) StatusResponse {
	resp := StatusResponse{
		SessionID:         st.SessionID,
		Task:              st.Task,
		Phase:             st.Phase,
		Iteration:         st.Iteration,
		ConsecutivePasses: st.ConsecutivePasses,
		Outcome:           st.Outcome,
		Strategy:          st.Strategy,
		Branch:            st.Branch,
		Counts:            countItems(st.WorkQueue),
		Gates:             make(map[string]gates.Status, len(st.GateResults)),
		History:           make([]HistoryPoint, 0, len(st.History)),
		Escalation:        st.Escalation,
		StartedAt:         st.StartedAt,
		UpdatedAt:         st.UpdatedAt,
	}
	for name, res := range st.GateResults {
		resp.Gates[name] = res.Status
	}
	for _, h := range st.History {
		resp.History = append(resp.History, HistoryPoint{
			Iteration:   h.Iteration,
			OpenItems:   h.OpenItems,
			FailedGates: h.FailedGates,
			Coverage:    h.Coverage,
			Stalled:     h.Stalled,
		})
	}
	return resp
}

func countItems(items []queue.WorkItem) map[queue.Status]int {
	counts := make(map[queue.Status]int, len(queue.Statuses()))
	for _, s := range queue.Statuses() {
		counts[s] = 0
	}
	for _, it := range items {
		counts[it.Status]++
	}
	return counts
}
