package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sentinel/internal/metrics"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

// StateReader loads the persisted loop state.
type StateReader interface {
	Load(ctx context.Context) (*state.LoopState, error)
}

// Backlog is the live work queue.
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

// Server is an MCP server over a running loop.
type Server struct {
	mcp      *mcp.Server
	state    StateReader
	queue    Backlog
	operator Operator
	metrics  *metrics.OperatorMetrics
	logger   *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "sentinel")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// Logger for structured logging
	Logger *zap.Logger

	// Metrics receives tool calls as operator actions (default: process-wide)
	Metrics *metrics.OperatorMetrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "sentinel",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server. The state reader is required; the queue
// and operator are nil when no loop runs in this process, and the tools
// that need them report an error.
func NewServer(cfg *Config, st StateReader, q Backlog, op Operator) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if st == nil {
		return nil, fmt.Errorf("state reader is required")
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewOperatorMetrics()
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:      mcpServer,
		state:    st,
		queue:    q,
		operator: op,
		metrics:  m,
		logger:   cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
