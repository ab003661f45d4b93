package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/sentinel/internal/metrics"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

var errNoLoop = errors.New("no loop is running in this process")

const defaultListLimit = 50

func (s *Server) registerTools() {
	s.registerStatusTools()
	s.registerQueueTools()
	s.registerOperatorTools()
}

// instrument records each call as an operator action.
func instrument[In, Out any](s *Server, name string, fn func(context.Context, In) (string, Out, error)) mcp.ToolHandlerFor[In, Out] {
	action := toolAction(name)
	return func(ctx context.Context, _ *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		text, out, err := fn(ctx, args)
		s.metrics.Observe(metrics.SurfaceMCP, action, resultOf(err), time.Since(start))
		if err != nil {
			var zero Out
			return nil, zero, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	}
}

// ===== STATUS TOOLS =====

type loopStatusInput struct{}

type loopStatusOutput struct {
	SessionID         string            `json:"session_id" jsonschema:"Session identifier"`
	Task              string            `json:"task" jsonschema:"Task the loop is working on"`
	Phase             string            `json:"phase" jsonschema:"Current phase"`
	Iteration         int               `json:"iteration" jsonschema:"Current iteration"`
	ConsecutivePasses int               `json:"consecutive_passes" jsonschema:"Clean iterations in a row"`
	Outcome           string            `json:"outcome,omitempty" jsonschema:"Final outcome once the loop ended"`
	Strategy          string            `json:"strategy,omitempty" jsonschema:"Current execution strategy"`
	Counts            map[string]int    `json:"counts" jsonschema:"Work items by status"`
	Gates             map[string]string `json:"gates" jsonschema:"Latest gate status by gate name"`
	Escalation        *escalationView   `json:"escalation,omitempty" jsonschema:"Escalation waiting for a reply"`
	StopRequested     bool              `json:"stop_requested" jsonschema:"True once a stop was requested"`
}

type escalationView struct {
	ID       string   `json:"id"`
	Reason   string   `json:"reason"`
	Evidence []string `json:"evidence,omitempty"`
	Options  []string `json:"options"`
	ItemIDs  []string `json:"item_ids,omitempty"`
}

func viewEscalation(e *state.Escalation) *escalationView {
	if e == nil {
		return nil
	}
	v := &escalationView{ID: e.ID, Reason: e.Reason, Evidence: e.Evidence, ItemIDs: e.ItemIDs, Options: []string{}}
	for _, o := range e.Options {
		v.Options = append(v.Options, string(o))
	}
	return v
}

func (s *Server) registerStatusTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "loop_status",
		Description: "Show the loop phase, iteration, queue counts, gate results and any pending escalation",
	}, instrument(s, "loop_status", func(ctx context.Context, _ loopStatusInput) (string, loopStatusOutput, error) {
		st, err := s.state.Load(ctx)
		if err != nil {
			return "", loopStatusOutput{}, fmt.Errorf("loading state: %w", err)
		}
		out := loopStatusOutput{
			SessionID:         st.SessionID,
			Task:              st.Task,
			Phase:             string(st.Phase),
			Iteration:         st.Iteration,
			ConsecutivePasses: st.ConsecutivePasses,
			Outcome:           string(st.Outcome),
			Strategy:          st.Strategy,
			Counts:            make(map[string]int),
			Gates:             make(map[string]string, len(st.GateResults)),
			Escalation:        viewEscalation(st.Escalation),
		}
		for _, it := range st.WorkQueue {
			out.Counts[string(it.Status)]++
		}
		for name, res := range st.GateResults {
			out.Gates[name] = string(res.Status)
		}
		if s.operator != nil {
			out.StopRequested = s.operator.StopRequested()
			if esc, ok := s.operator.Pending(); ok {
				out.Escalation = viewEscalation(&esc)
			}
		}
		text := fmt.Sprintf("Iteration %d, phase %s, %d consecutive clean pass(es)", out.Iteration, out.Phase, out.ConsecutivePasses)
		if out.Escalation != nil {
			text += fmt.Sprintf("; escalation %s pending: %s", out.Escalation.ID, out.Escalation.Reason)
		}
		return text, out, nil
	}))
}

// ===== QUEUE TOOLS =====

type queueListInput struct {
	Status string `json:"status,omitempty" jsonschema:"Only items in this status (pending, claimed, in_progress, blocked, done)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum items to return (default: 50)"`
}

type queueItem struct {
	ID          string `json:"id"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
	Title       string `json:"title"`
	Source      string `json:"source,omitempty"`
	BlockReason string `json:"block_reason,omitempty"`
}

type queueListOutput struct {
	Items []queueItem `json:"items" jsonschema:"Work items in claim order"`
	Count int         `json:"count" jsonschema:"Number of items returned"`
	Total int         `json:"total" jsonschema:"Items matching the filter before the limit"`
}

type queueAddInput struct {
	Title       string `json:"title" jsonschema:"Short title of the work item"`
	Description string `json:"description,omitempty" jsonschema:"What needs doing"`
	Priority    string `json:"priority,omitempty" jsonschema:"Priority such as S0, S1 or S2 (default: S2)"`
}

type queueAddOutput struct {
	ID       string `json:"id" jsonschema:"Identifier of the new item"`
	Priority string `json:"priority" jsonschema:"Priority assigned"`
}

func (s *Server) registerQueueTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "queue_list",
		Description: "List work items in claim order, optionally filtered by status",
	}, instrument(s, "queue_list", func(ctx context.Context, args queueListInput) (string, queueListOutput, error) {
		items, err := s.items(ctx)
		if err != nil {
			return "", queueListOutput{}, err
		}
		limit := args.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		out := queueListOutput{Items: []queueItem{}}
		for _, it := range items {
			if args.Status != "" && !strings.EqualFold(string(it.Status), args.Status) {
				continue
			}
			out.Total++
			if len(out.Items) < limit {
				out.Items = append(out.Items, queueItem{
					ID:          it.ID,
					Priority:    string(it.Priority),
					Status:      string(it.Status),
					Title:       it.Title,
					Source:      it.Source,
					BlockReason: it.BlockReason,
				})
			}
		}
		out.Count = len(out.Items)
		return fmt.Sprintf("%d of %d item(s)", out.Count, out.Total), out, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "queue_add",
		Description: "Add an operator work item to the running loop's queue",
	}, instrument(s, "queue_add", func(_ context.Context, args queueAddInput) (string, queueAddOutput, error) {
		if s.queue == nil {
			return "", queueAddOutput{}, errNoLoop
		}
		title := strings.TrimSpace(args.Title)
		if title == "" {
			return "", queueAddOutput{}, fmt.Errorf("%w: title is required", errInvalidInput)
		}
		priority := queue.S2
		if args.Priority != "" {
			p, err := s.queue.Table().Parse(args.Priority)
			if err != nil {
				return "", queueAddOutput{}, err
			}
			priority = p
		}
		id, err := s.queue.Enqueue(queue.WorkItem{
			Priority:    priority,
			Title:       title,
			Description: args.Description,
			Source:      queue.SourceOperator,
		})
		if err != nil {
			return "", queueAddOutput{}, fmt.Errorf("queue add failed: %w", err)
		}
		return fmt.Sprintf("Added %s [%s] %s", id, priority, title), queueAddOutput{ID: id, Priority: string(priority)}, nil
	}))
}

func (s *Server) items(ctx context.Context) ([]queue.WorkItem, error) {
	if s.queue != nil {
		return s.queue.Items(), nil
	}
	st, err := s.state.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	return st.WorkQueue, nil
}

// ===== OPERATOR TOOLS =====

type escalationReplyInput struct {
	Reply        string `json:"reply" jsonschema:"One of continue, skip or stop"`
	EscalationID string `json:"escalation_id,omitempty" jsonschema:"Escalation being answered (default: whichever is pending)"`
}

type escalationReplyOutput struct {
	EscalationID string `json:"escalation_id" jsonschema:"Escalation answered"`
	Reply        string `json:"reply" jsonschema:"Reply delivered"`
}

type loopStopInput struct {
	Reason string `json:"reason,omitempty" jsonschema:"Why the loop is being stopped"`
}

type loopStopOutput struct {
	Stopping bool `json:"stopping" jsonschema:"True once the stop was requested"`
}

func (s *Server) registerOperatorTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "escalation_reply",
		Description: "Answer the pending escalation with continue, skip or stop",
	}, instrument(s, "escalation_reply", func(_ context.Context, args escalationReplyInput) (string, escalationReplyOutput, error) {
		if s.operator == nil {
			return "", escalationReplyOutput{}, errNoLoop
		}
		reply, err := state.ParseReply(args.Reply)
		if err != nil {
			return "", escalationReplyOutput{}, fmt.Errorf("%w: %v", errInvalidInput, err)
		}
		id := args.EscalationID
		if id == "" {
			if esc, ok := s.operator.Pending(); ok {
				id = esc.ID
			}
		}
		if err := s.operator.Reply(id, reply); err != nil {
			return "", escalationReplyOutput{}, err
		}
		s.metrics.Reply(metrics.SurfaceMCP, reply)
		return fmt.Sprintf("Replied %s to %s", reply, id), escalationReplyOutput{EscalationID: id, Reply: string(reply)}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "loop_stop",
		Description: "Stop the loop at the next phase boundary; in-flight workers finish first",
	}, instrument(s, "loop_stop", func(_ context.Context, args loopStopInput) (string, loopStopOutput, error) {
		if s.operator == nil {
			return "", loopStopOutput{}, errNoLoop
		}
		reason := "mcp"
		if args.Reason != "" {
			reason = "mcp: " + args.Reason
		}
		s.operator.RequestStop(reason)
		return "Stop requested", loopStopOutput{Stopping: true}, nil
	}))
}
