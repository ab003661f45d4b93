package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fyrsmithlabs/sentinel/internal/http"
)

func TestClient(t *testing.T) {
	var gotReply httpserver.ReplyRequest
	var gotStop httpserver.StopRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sampleStatus())
	})
	mux.HandleFunc("/api/v1/queue", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(httpserver.QueueResponse{})
	})
	mux.HandleFunc("/api/v1/escalation/reply", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReply)
		if gotReply.Reply == "later" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"unknown reply"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/api/v1/stop", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotStop)
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, st.Iteration)

	_, err = c.Queue(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Reply(ctx, "esc-1-1", "skip"))
	assert.Equal(t, "esc-1-1", gotReply.ID)
	assert.Equal(t, "skip", gotReply.Reply)

	err = c.Reply(ctx, "", "later")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400 unknown reply")

	require.NoError(t, c.Stop(ctx, "cli"))
	assert.Equal(t, "cli", gotStop.Reason)
}

func TestClient_NotRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Status(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}
