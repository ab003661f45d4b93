package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sentinel/internal/gates"
	"github.com/fyrsmithlabs/sentinel/internal/operator"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

type stateFunc func(ctx context.Context) (*state.LoopState, error)

func (f stateFunc) Load(ctx context.Context) (*state.LoopState, error) { return f(ctx) }

func sampleState() *state.LoopState {
	st := state.New("add retry support", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	st.Iteration = 3
	st.Phase = state.PhaseQuality
	st.ConsecutivePasses = 1
	st.Strategy = "retry-direct"
	st.WorkQueue = []queue.WorkItem{
		{ID: "a", Title: "Fix lint gate failures", Priority: queue.S1, Status: queue.StatusPending, Source: "gate:lint"},
		{ID: "b", Title: "task", Priority: queue.S2, Status: queue.StatusDone},
	}
	st.GateResults = map[string]gates.Result{
		"lint": {Name: "lint", Status: gates.StatusFail, Detail: "2 errors"},
		"test": {Name: "test", Status: gates.StatusPass},
	}
	cov := 81.5
	st.History = []state.IterationSummary{
		{Iteration: 1, OpenItems: 3, FailedGates: []string{"lint"}},
		{Iteration: 2, OpenItems: 1, Coverage: &cov, Stalled: true},
	}
	return st
}

type testEnv struct {
	server *Server
	queue  *queue.Queue
	broker *operator.Broker
	st     *state.LoopState
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		queue:  queue.New(),
		broker: operator.NewBroker(),
		st:     sampleState(),
	}
	server, err := NewServer(Deps{
		State:    stateFunc(func(context.Context) (*state.LoopState, error) { return env.st, nil }),
		Queue:    env.queue,
		Operator: env.broker,
	}, zap.NewNop(), &Config{Host: "localhost", Port: 9090, MaxIterations: 50, RequiredPasses: 2})
	require.NoError(t, err)
	env.server = server
	return env
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestNewServer(t *testing.T) {
	reader := stateFunc(func(context.Context) (*state.LoopState, error) { return nil, nil })

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(Deps{State: reader}, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9090, server.config.Port)
		assert.NotNil(t, server.Echo())
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(Deps{State: reader}, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when state is nil", func(t *testing.T) {
		_, err := NewServer(Deps{}, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "state reader cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	env := setupTestServer(t)
	rec := do(t, env.server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
}

func TestHandleStatus(t *testing.T) {
	env := setupTestServer(t)
	rec := do(t, env.server, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[StatusResponse](t, rec)
	assert.Equal(t, env.st.SessionID, resp.SessionID)
	assert.Equal(t, state.PhaseQuality, resp.Phase)
	assert.Equal(t, 3, resp.Iteration)
	assert.Equal(t, 50, resp.MaxIterations)
	assert.Equal(t, 2, resp.RequiredPasses)
	assert.Equal(t, 1, resp.Counts[queue.StatusPending])
	assert.Equal(t, 1, resp.Counts[queue.StatusDone])
	assert.Equal(t, 0, resp.Counts[queue.StatusBlocked])
	assert.Equal(t, gates.StatusFail, resp.Gates["lint"])
	require.Len(t, resp.History, 2)
	assert.True(t, resp.History[1].Stalled)
	require.NotNil(t, resp.History[1].Coverage)
	assert.InDelta(t, 81.5, *resp.History[1].Coverage, 0.001)
	assert.False(t, resp.StopRequested)
	assert.Nil(t, resp.Escalation)
}

func TestHandleStatus_NoState(t *testing.T) {
	server, err := NewServer(Deps{
		State: stateFunc(func(context.Context) (*state.LoopState, error) { return nil, state.ErrNotFound }),
	}, zap.NewNop(), nil)
	require.NoError(t, err)

	rec := do(t, server, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleQueue(t *testing.T) {
	t.Run("lists the live queue", func(t *testing.T) {
		env := setupTestServer(t)
		_, err := env.queue.Enqueue(queue.WorkItem{Title: "one", Priority: queue.S1})
		require.NoError(t, err)

		resp := decode[QueueResponse](t, do(t, env.server, http.MethodGet, "/api/v1/queue", nil))
		require.Len(t, resp.Items, 1)
		assert.Equal(t, "one", resp.Items[0].Title)
		assert.Equal(t, 1, resp.Counts[queue.StatusPending])
	})

	t.Run("falls back to persisted state", func(t *testing.T) {
		st := sampleState()
		server, err := NewServer(Deps{
			State: stateFunc(func(context.Context) (*state.LoopState, error) { return st, nil }),
		}, zap.NewNop(), nil)
		require.NoError(t, err)

		resp := decode[QueueResponse](t, do(t, server, http.MethodGet, "/api/v1/queue", nil))
		assert.Len(t, resp.Items, 2)
	})
}

func TestHandleAddItem(t *testing.T) {
	env := setupTestServer(t)

	rec := do(t, env.server, http.MethodPost, "/api/v1/queue", AddItemRequest{Title: "  Update README  ", Priority: "s1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[AddItemResponse](t, rec).ID

	item, ok := env.queue.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Update README", item.Title)
	assert.Equal(t, queue.S1, item.Priority)
	assert.Equal(t, queue.SourceOperator, item.Source)

	rec = do(t, env.server, http.MethodPost, "/api/v1/queue", AddItemRequest{Title: "no priority"})
	require.Equal(t, http.StatusCreated, rec.Code)
	item, _ = env.queue.Get(decode[AddItemResponse](t, rec).ID)
	assert.Equal(t, queue.S2, item.Priority)

	assert.Equal(t, http.StatusBadRequest, do(t, env.server, http.MethodPost, "/api/v1/queue", AddItemRequest{}).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, env.server, http.MethodPost, "/api/v1/queue", AddItemRequest{Title: "x", Priority: "P9"}).Code)
}

func TestHandleGates(t *testing.T) {
	env := setupTestServer(t)
	rec := do(t, env.server, http.MethodGet, "/api/v1/gates", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[map[string]gates.Result](t, rec)
	assert.Equal(t, "2 errors", resp["lint"].Detail)
	assert.Equal(t, gates.StatusPass, resp["test"].Status)
}

func TestEscalationFlow(t *testing.T) {
	env := setupTestServer(t)

	assert.Equal(t, http.StatusNotFound, do(t, env.server, http.MethodGet, "/api/v1/escalation", nil).Code)
	assert.Equal(t, http.StatusConflict,
		do(t, env.server, http.MethodPost, "/api/v1/escalation/reply", ReplyRequest{Reply: "continue"}).Code)

	done := make(chan state.Reply, 1)
	go func() {
		r, _ := env.broker.Escalate(context.Background(), state.Escalation{
			ID: "esc-3-1", Reason: "lint stalled", Options: state.Replies(),
		})
		done <- r
	}()
	require.Eventually(t, func() bool {
		_, ok := env.broker.Pending()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	rec := do(t, env.server, http.MethodGet, "/api/v1/escalation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "esc-3-1", decode[state.Escalation](t, rec).ID)

	status := decode[StatusResponse](t, do(t, env.server, http.MethodGet, "/api/v1/status", nil))
	require.NotNil(t, status.Escalation)
	assert.Equal(t, "lint stalled", status.Escalation.Reason)

	assert.Equal(t, http.StatusBadRequest,
		do(t, env.server, http.MethodPost, "/api/v1/escalation/reply", ReplyRequest{Reply: "later"}).Code)
	assert.Equal(t, http.StatusConflict,
		do(t, env.server, http.MethodPost, "/api/v1/escalation/reply", ReplyRequest{ID: "esc-1-1", Reply: "skip"}).Code)

	rec = do(t, env.server, http.MethodPost, "/api/v1/escalation/reply", ReplyRequest{ID: "esc-3-1", Reply: "skip"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, state.ReplySkip, <-done)
}

func TestEscalation_PersistedOnly(t *testing.T) {
	st := sampleState()
	st.Escalation = &state.Escalation{ID: "esc-7-1", Reason: "waiting"}
	server, err := NewServer(Deps{
		State: stateFunc(func(context.Context) (*state.LoopState, error) { return st, nil }),
	}, zap.NewNop(), nil)
	require.NoError(t, err)

	rec := do(t, server, http.MethodGet, "/api/v1/escalation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "esc-7-1", decode[state.Escalation](t, rec).ID)

	assert.Equal(t, http.StatusServiceUnavailable,
		do(t, server, http.MethodPost, "/api/v1/escalation/reply", ReplyRequest{Reply: "stop"}).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, server, http.MethodPost, "/api/v1/stop", nil).Code)
}

func TestHandleStop(t *testing.T) {
	env := setupTestServer(t)

	rec := do(t, env.server, http.MethodPost, "/api/v1/stop", StopRequest{Reason: "lunch"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, env.broker.StopRequested())
	assert.Equal(t, "http: lunch", env.broker.StopReason())

	status := decode[StatusResponse](t, do(t, env.server, http.MethodGet, "/api/v1/status", nil))
	assert.True(t, status.StopRequested)
}

func TestHandleMetrics(t *testing.T) {
	env := setupTestServer(t)
	rec := do(t, env.server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestServerLifecycle(t *testing.T) {
	env := setupTestServer(t)
	env.server.config.Port = 0

	errChan := make(chan error, 1)
	go func() {
		errChan <- env.server.Start()
	}()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, env.server.Shutdown(ctx))

	select {
	case err := <-errChan:
		assert.True(t, err == nil || err == http.ErrServerClosed)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		env := setupTestServer(t)
		rec := do(t, env.server, http.MethodGet, "/health", nil)
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		env := setupTestServer(t)
		env.server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})
		var rec *httptest.ResponseRecorder
		assert.NotPanics(t, func() {
			rec = do(t, env.server, http.MethodGet, "/panic", nil)
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
