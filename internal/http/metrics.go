package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/sentinel/internal/metrics"
)

// routeActions names the operator action behind each route.
var routeActions = map[string]string{
	"GET /health":                   "health",
	"GET /metrics":                  "metrics",
	"GET /api/v1/status":            "status",
	"GET /api/v1/queue":             "queue_list",
	"POST /api/v1/queue":            "queue_add",
	"GET /api/v1/gates":             "gates",
	"GET /api/v1/escalation":        "escalation",
	"POST /api/v1/escalation/reply": "reply",
	"POST /api/v1/stop":             "stop",
}

func routeAction(method, path string) string {
	if a, ok := routeActions[method+" "+path]; ok {
		return a
	}
	return "unmatched"
}

// statusOf reports the status the error handler will write for err.
func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func resultFor(status int) string {
	switch {
	case status >= http.StatusInternalServerError:
		return metrics.ResultError
	case status >= http.StatusBadRequest:
		return metrics.ResultRejected
	default:
		return metrics.ResultOK
	}
}

// actionMiddleware records every request as an operator action.
func actionMiddleware(m *metrics.OperatorMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			action := routeAction(c.Request().Method, c.Path())
			m.Observe(metrics.SurfaceHTTP, action, resultFor(statusOf(c, err)), time.Since(start))
			return err
		}
	}
}
