package loop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/sentinel/internal/agents"
	"github.com/fyrsmithlabs/sentinel/internal/config"
	"github.com/fyrsmithlabs/sentinel/internal/events"
	"github.com/fyrsmithlabs/sentinel/internal/gates"
	"github.com/fyrsmithlabs/sentinel/internal/logging"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/recovery"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

// DefaultMaxIterations bounds a run that never converges.
const DefaultMaxIterations = 50

// MinRequiredPasses is the number of consecutive clean iterations needed
// before a run is done. A single clean pass is provisional.
const MinRequiredPasses = 2

// Settings are the run parameters.
type Settings struct {
	MaxIterations int
	// PauseOnSeverity asks the operator when an item this urgent or more
	// is enqueued. Empty disables the pause.
	PauseOnSeverity queue.Priority
	// Swarm claims up to Workers items per BUILD instead of one.
	Swarm   bool
	Workers int
	// DryRun runs one iteration that plans and checks without dispatching
	// agents or writing snapshots.
	DryRun         bool
	RequiredPasses int
	Stall          StallPolicy
	Strategies     []string

	// Dir is the repository the gates and agents work in.
	Dir          string
	Profile      gates.Profile
	Capabilities []string
	// Analyzers are fanned out during ASSESS to discover work.
	Analyzers []agents.TaskSpec
}

// DefaultSettings returns the RunLoop defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations:   DefaultMaxIterations,
		PauseOnSeverity: queue.S0,
		Workers:         3,
		RequiredPasses:  MinRequiredPasses,
		Stall:           DefaultStallPolicy(),
		Strategies:      append([]string(nil), DefaultStrategies...),
		Dir:             ".",
	}
}

// SettingsFromConfig maps the loop section of cfg onto Settings.
func SettingsFromConfig(cfg *config.Config, table queue.PriorityTable) (Settings, error) {
	s := DefaultSettings()
	lc := cfg.Loop
	if lc.MaxIterations > 0 {
		s.MaxIterations = lc.MaxIterations
	}
	if lc.Workers > 0 {
		s.Workers = lc.Workers
	}
	s.Swarm = lc.Swarm
	s.DryRun = lc.DryRun
	s.RequiredPasses = lc.RequiredPasses
	s.Stall = StallPolicy{GateFailures: lc.Stall.GateFailures, NoProgressWindow: lc.Stall.NoProgressWindow}
	if len(lc.Strategies) > 0 {
		s.Strategies = append([]string(nil), lc.Strategies...)
	}

	switch p := strings.TrimSpace(lc.PauseOnSeverity); {
	case p == "", strings.EqualFold(p, "none"):
		s.PauseOnSeverity = ""
	default:
		pr, err := table.Parse(p)
		if err != nil {
			return Settings{}, fmt.Errorf("loop.pause_on_severity: %w", err)
		}
		s.PauseOnSeverity = pr
	}
	return s.normalized(), nil
}

func (s Settings) normalized() Settings {
	if s.MaxIterations <= 0 {
		s.MaxIterations = DefaultMaxIterations
	}
	if s.Workers <= 0 {
		s.Workers = 1
	}
	if s.RequiredPasses < MinRequiredPasses {
		s.RequiredPasses = MinRequiredPasses
	}
	if len(s.Strategies) == 0 {
		s.Strategies = append([]string(nil), DefaultStrategies...)
	}
	if s.Dir == "" {
		s.Dir = "."
	}
	return s
}

// Cascade evaluates the quality gates. *gates.Cascade implements it.
type Cascade interface {
	Run(ctx context.Context, rs gates.RepoState) gates.Report
}

// Dispatcher fans work out to agents. *agents.Coordinator implements it.
type Dispatcher interface {
	Spawn(ctx context.Context, specs []agents.TaskSpec) []*agents.AgentTask
	SynthesizeInto(q agents.Enqueuer, tasks []*agents.AgentTask, iteration int) ([]string, error)
	// TaskTimeout is the base deadline stretched for timeout retries.
	TaskTimeout() time.Duration
}

// Operator answers escalations and carries the stop request.
type Operator interface {
	// Escalate blocks until the operator replies or ctx ends.
	Escalate(ctx context.Context, e state.Escalation) (state.Reply, error)
	StopRequested() bool
}

// Hook observes the state after every phase. Hooks must not retain st.
type Hook func(ctx context.Context, st *state.LoopState)

// Deps are the collaborators a Controller drives. Queue and Store are
// required.
type Deps struct {
	Queue     *queue.Queue
	Store     state.Store
	Cascade   Cascade
	Agents    Dispatcher
	Recovery  *recovery.Engine
	Operator  Operator
	Events    events.Publisher
	Assessors []Assessor
	Hooks     []Hook
	// TestGate runs in TEST after a BUILD that changed something.
	TestGate gates.Gate
	Logger   *logging.Logger
	Now      func() time.Time
}

// Options start a run.
type Options struct {
	Task string
	// Resume continues the state current in the store instead of starting
	// a new session.
	Resume bool
}

// Result is how a run ended.
type Result struct {
	SessionID  string
	Outcome    state.Outcome
	Iterations int
	Reason     string
	DryRun     bool
	State      *state.LoopState
}
