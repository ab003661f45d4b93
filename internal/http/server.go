// Package http provides the operator and status API for a running loop.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sentinel/internal/gates"
	"github.com/fyrsmithlabs/sentinel/internal/metrics"
	"github.com/fyrsmithlabs/sentinel/internal/operator"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

// StateReader loads the persisted loop state.
type StateReader interface {
	Load(ctx context.Context) (*state.LoopState, error)
}

// Backlog is the live work queue. Items added here are picked up at the
// next PLAN phase.
type Backlog interface {
	Enqueue(item queue.WorkItem) (string, error)
	Items() []queue.WorkItem
	Table() queue.PriorityTable
}

// Operator is the escalation mailbox and stop flag of the running loop.
type Operator interface {
	Pending() (state.Escalation, bool)
	Reply(id string, r state.Reply) error
	RequestStop(reason string)
	StopRequested() bool
}

// Deps are the loop components the server reads and drives. State is
// required; without Queue the queue view falls back to persisted state and
// items cannot be added; without Operator replies and stops are refused.
// Metrics defaults to the process-wide operator metrics.
type Deps struct {
	State    StateReader
	Queue    Backlog
	Operator Operator
	Metrics  *metrics.OperatorMetrics
}

// Server provides HTTP endpoints for sentinel.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// Reported in status so dashboards can draw progress.
	MaxIterations  int
	RequiredPasses int
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.State == nil {
		return nil, fmt.Errorf("state reader cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewOperatorMetrics()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(actionMiddleware(deps.Metrics))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes()

	return s, nil
}

// Echo exposes the underlying router for additional routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/queue", s.handleQueue)
	v1.POST("/queue", s.handleAddItem)
	v1.GET("/gates", s.handleGates)
	v1.GET("/escalation", s.handleEscalation)
	v1.POST("/escalation/reply", s.handleReply)
	v1.POST("/stop", s.handleStop)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) load(c echo.Context) (*state.LoopState, error) {
	st, err := s.deps.State.Load(c.Request().Context())
	if errors.Is(err, state.ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "no loop state yet")
	}
	if err != nil {
		s.logger.Warn("failed to load state", zap.Error(err))
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to load state")
	}
	return st, nil
}

func (s *Server) handleStatus(c echo.Context) error {
	st, err := s.load(c)
	if err != nil {
		return err
	}
	resp := NewStatus(st)
	resp.MaxIterations = s.config.MaxIterations
	resp.RequiredPasses = s.config.RequiredPasses
	if s.deps.Operator != nil {
		resp.StopRequested = s.deps.Operator.StopRequested()
		if esc, ok := s.deps.Operator.Pending(); ok {
			resp.Escalation = &esc
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleQueue(c echo.Context) error {
	var items []queue.WorkItem
	if s.deps.Queue != nil {
		items = s.deps.Queue.Items()
	} else {
		st, err := s.load(c)
		if err != nil {
			return err
		}
		items = st.WorkQueue
	}
	if items == nil {
		items = []queue.WorkItem{}
	}
	return c.JSON(http.StatusOK, QueueResponse{Items: items, Counts: countItems(items)})
}

func (s *Server) handleAddItem(c echo.Context) error {
	if s.deps.Queue == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no running loop")
	}
	var req AddItemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title field is required")
	}
	priority := queue.S2
	if req.Priority != "" {
		p, err := s.deps.Queue.Table().Parse(req.Priority)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		priority = p
	}

	id, err := s.deps.Queue.Enqueue(queue.WorkItem{
		Priority:    priority,
		Title:       req.Title,
		Description: req.Description,
		Source:      queue.SourceOperator,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.logger.Info("operator item added", zap.String("item_id", id), zap.String("priority", string(priority)))
	return c.JSON(http.StatusCreated, AddItemResponse{ID: id})
}

func (s *Server) handleGates(c echo.Context) error {
	st, err := s.load(c)
	if err != nil {
		return err
	}
	results := st.GateResults
	if results == nil {
		results = map[string]gates.Result{}
	}
	return c.JSON(http.StatusOK, results)
}

func (s *Server) handleEscalation(c echo.Context) error {
	if s.deps.Operator != nil {
		if esc, ok := s.deps.Operator.Pending(); ok {
			return c.JSON(http.StatusOK, esc)
		}
	}
	st, err := s.load(c)
	if err != nil {
		return err
	}
	if st.Escalation == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no escalation pending")
	}
	return c.JSON(http.StatusOK, st.Escalation)
}

func (s *Server) handleReply(c echo.Context) error {
	if s.deps.Operator == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no running loop")
	}
	var req ReplyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	reply, err := state.ParseReply(req.Reply)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.deps.Operator.Reply(req.ID, reply); err != nil {
		if errors.Is(err, operator.ErrNoEscalation) || errors.Is(err, operator.ErrEscalationMismatch) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.deps.Metrics.Reply(metrics.SurfaceHTTP, reply)
	return c.JSON(http.StatusAccepted, AcceptedResponse{Status: "accepted"})
}

func (s *Server) handleStop(c echo.Context) error {
	if s.deps.Operator == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no running loop")
	}
	var req StopRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	reason := "http"
	if req.Reason != "" {
		reason = "http: " + req.Reason
	}
	s.deps.Operator.RequestStop(reason)
	return c.JSON(http.StatusAccepted, AcceptedResponse{Status: "stopping"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
