package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	httpserver "github.com/fyrsmithlabs/sentinel/internal/http"
)

// ErrNotRunning is returned when the API answers but has no loop state yet.
var ErrNotRunning = errors.New("no loop state yet")

// Client talks to the operator API of a running loop.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// BaseURL returns the API address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Status fetches GET /api/v1/status.
func (c *Client) Status(ctx context.Context) (httpserver.StatusResponse, error) {
	var out httpserver.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out)
	return out, err
}

// Queue fetches GET /api/v1/queue.
func (c *Client) Queue(ctx context.Context) (httpserver.QueueResponse, error) {
	var out httpserver.QueueResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/queue", nil, &out)
	return out, err
}

// Reply answers the pending escalation. An empty id answers whatever is
// pending.
func (c *Client) Reply(ctx context.Context, id, reply string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/escalation/reply", httpserver.ReplyRequest{ID: id, Reply: reply}, nil)
}

// Stop asks the loop to stop at the next phase boundary.
func (c *Client) Stop(ctx context.Context, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/stop", httpserver.StopRequest{Reason: reason}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && path == "/api/v1/status" {
		return ErrNotRunning
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("%s %s: unexpected status code %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
