package mcp

import (
	"errors"

	"github.com/fyrsmithlabs/sentinel/internal/metrics"
	"github.com/fyrsmithlabs/sentinel/internal/operator"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
)

var errInvalidInput = errors.New("invalid input")

// toolActions maps tools onto the operator actions the HTTP API reports,
// so both surfaces share one set of series.
var toolActions = map[string]string{
	"loop_status":      "status",
	"queue_list":       "queue_list",
	"queue_add":        "queue_add",
	"escalation_reply": "reply",
	"loop_stop":        "stop",
}

func toolAction(name string) string {
	if a, ok := toolActions[name]; ok {
		return a
	}
	return name
}

// resultOf separates operator mistakes from server failures.
func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, errInvalidInput),
		errors.Is(err, errNoLoop),
		errors.Is(err, queue.ErrUnknownPriority),
		errors.Is(err, operator.ErrNoEscalation),
		errors.Is(err, operator.ErrEscalationMismatch):
		return metrics.ResultRejected
	default:
		return metrics.ResultError
	}
}
