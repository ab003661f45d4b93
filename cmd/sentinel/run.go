package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fyrsmithlabs/sentinel/internal/agents"
	"github.com/fyrsmithlabs/sentinel/internal/config"
	"github.com/fyrsmithlabs/sentinel/internal/events"
	"github.com/fyrsmithlabs/sentinel/internal/gates"
	httpserver "github.com/fyrsmithlabs/sentinel/internal/http"
	"github.com/fyrsmithlabs/sentinel/internal/loop"
	"github.com/fyrsmithlabs/sentinel/internal/mcp"
	"github.com/fyrsmithlabs/sentinel/internal/metrics"
	"github.com/fyrsmithlabs/sentinel/internal/operator"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/recovery"
	"github.com/fyrsmithlabs/sentinel/internal/state"
	"github.com/fyrsmithlabs/sentinel/internal/telemetry"
)

var (
	// run command flags
	runMaxIterations int
	runPauseOn       string
	runSwarm         bool
	runWorkers       int
	runDryRun        bool
	runHTTP          bool
	runMCP           bool
	runEventsURL     string
	runResume        bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", loop.DefaultMaxIterations, "Abort after this many iterations")
	runCmd.Flags().StringVar(&runPauseOn, "pause-on", "S0", "Ask the operator when an item of this priority or higher appears (none disables)")
	runCmd.Flags().BoolVar(&runSwarm, "swarm", false, "Build several items per iteration in parallel")
	runCmd.Flags().IntVar(&runWorkers, "workers", 3, "Parallel agent workers")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Plan and check for one iteration without dispatching agents")
	runCmd.Flags().BoolVar(&runHTTP, "http", false, "Serve the operator API while running")
	runCmd.Flags().BoolVar(&runMCP, "mcp", false, "Serve operator tools over MCP on stdio while running")
	runCmd.Flags().StringVar(&runEventsURL, "events-url", "", "Publish loop events to this NATS server")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Continue the session saved in the state directory")
}

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run the orchestration loop for a task",
	Long: `Run the orchestration loop for a task in the current directory.

Each iteration contextualizes, assesses, plans, builds, tests and verifies.
The run is done after the configured number of consecutive clean iterations.
It exits 0 when done, 2 when aborted and 1 on error.

The loop can be stopped by the operator with Ctrl-C (twice to cancel in-flight
work), "sentinel stop", a STOP file in the state directory, or the HTTP and
MCP operator surfaces.

Examples:
  # Run with defaults
  sentinel run "fix the flaky integration tests"

  # Plan only
  sentinel run --dry-run "migrate the config loader"

  # Build up to five items in parallel and serve the operator API
  sentinel run --swarm --workers 5 --http "raise coverage in internal/queue"

  # Continue an interrupted session
  sentinel run --resume`,
	Args: cobra.ArbitraryArgs,
	RunE: runRun,
}

// applyRunFlags copies explicitly set run flags over cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("max-iterations") {
		cfg.Loop.MaxIterations = runMaxIterations
	}
	if flags.Changed("pause-on") {
		cfg.Loop.PauseOnSeverity = runPauseOn
	}
	if flags.Changed("swarm") {
		cfg.Loop.Swarm = runSwarm
	}
	if flags.Changed("workers") {
		cfg.Loop.Workers = runWorkers
		cfg.Agents.Workers = runWorkers
	}
	if flags.Changed("dry-run") {
		cfg.Loop.DryRun = runDryRun
	}
	if flags.Changed("http") {
		cfg.Server.Enabled = runHTTP
	}
	if flags.Changed("events-url") {
		cfg.Events.Enabled = runEventsURL != ""
		cfg.Events.URL = runEventsURL
		cfg.Events.Embedded = false
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	task := strings.TrimSpace(strings.Join(args, " "))
	if task == "" && !runResume {
		return fmt.Errorf("a task is required unless --resume is set")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := newLogger(cfg, tel.LoggerProvider())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zl := logger.Underlying()

	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	table, err := queue.NewPriorityTable(cfg.Queue.Priorities)
	if err != nil {
		return fmt.Errorf("queue.priorities: %w", err)
	}
	settings, err := loop.SettingsFromConfig(cfg, table)
	if err != nil {
		return err
	}
	settings.Dir = dir
	profile, err := gates.ResolveProfile(dir, cfg.Gates)
	if err != nil {
		return err
	}
	settings.Profile = profile

	store, err := state.Open(cfg.State.Backend, cfg.State.Dir, zl)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	q := queue.New(queue.WithPriorityTable(table))
	allowlist, err := gates.LoadAllowlists(dir, cfg.Gates.AllowlistPath)
	if err != nil {
		return err
	}
	cascade, err := gates.BuildCascade(gates.Options{
		Config:    cfg.Gates,
		Queue:     q,
		Table:     table,
		Logger:    zl,
		Allowlist: allowlist,
	})
	if err != nil {
		return err
	}
	engine := recovery.NewEngine(q, recovery.WithLogger(zl))

	interactive := !runMCP && term.IsTerminal(int(os.Stdin.Fd()))
	var (
		watcher *operator.FileWatcher
		prompt  *operator.Prompt
	)
	broker := operator.NewBroker(
		operator.WithLogger(zl),
		operator.WithNotifier(func(e state.Escalation) {
			if watcher != nil {
				watcher.Notify(e)
			}
			if prompt != nil {
				prompt.Show(e)
			}
		}),
	)
	if interactive {
		prompt = operator.NewPrompt(broker, os.Stdin, os.Stderr)
	}

	ctx, cancel := operator.WatchSignals(ctx, broker)
	defer cancel()

	watcher, err = operator.NewFileWatcher(cfg.State.Dir, broker, zl)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	publisher, err := events.New(cfg.Events, zl)
	if err != nil {
		return fmt.Errorf("failed to connect events: %w", err)
	}
	defer publisher.Close()

	deps := loop.Deps{
		Queue:    q,
		Store:    store,
		Cascade:  cascade,
		Recovery: engine,
		Operator: broker,
		Events:   publisher,
		Hooks:    []loop.Hook{metrics.NewMetrics().Observe},
		TestGate: gates.NewCoverageGate(cfg.Gates.CoverageThreshold),
		Logger:   logger,
	}
	if len(cfg.Agents.Command) > 0 {
		executor := agents.NewCommandExecutor(cfg.Agents.Command, dir)
		deps.Agents = agents.NewCoordinator(executor,
			agents.WithWorkers(cfg.Agents.Workers),
			agents.WithTaskTimeout(cfg.Agents.TaskTimeout.Duration()),
			agents.WithSpawnRate(cfg.Agents.SpawnRate, cfg.Agents.SpawnBurst),
			agents.WithRecorder(engine),
			agents.WithStopCheck(broker.StopRequested),
			agents.WithLogger(zl),
		)
		deps.Assessors = loop.DefaultAssessors(cfg.Gates.KnownIssuesFile)
		settings.Analyzers = []agents.TaskSpec{{Type: "analyze"}}
	} else {
		logger.Warn(ctx, "no agent command configured, running gates only")
		deps.Assessors = []loop.Assessor{loop.KnownIssuesAssessor{Path: cfg.Gates.KnownIssuesFile}}
	}

	ctrl, err := loop.New(settings, deps)
	if err != nil {
		return err
	}

	stopServers, err := startServers(ctx, cfg, ctrl.Settings(), store, q, broker, zl)
	if err != nil {
		return err
	}
	defer stopServers()

	if prompt != nil {
		go func() { _ = prompt.Run(ctx) }()
	}

	res, err := ctrl.Run(ctx, loop.Options{Task: task, Resume: runResume})
	if res != nil {
		out := io.Writer(cmd.OutOrStdout())
		if runMCP {
			out = cmd.ErrOrStderr()
		}
		printResult(out, res)
	}
	if err != nil {
		return err
	}
	return resultError(res)
}

// startServers starts the operator surfaces the config asks for and returns
// a function that stops them.
func startServers(ctx context.Context, cfg *config.Config, settings loop.Settings, store state.Store,
	q *queue.Queue, broker *operator.Broker, logger *zap.Logger) (func(), error) {
	var stops []func()
	stop := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if cfg.Server.Enabled {
		srv, err := httpserver.NewServer(httpserver.Deps{
			State:    store,
			Queue:    q,
			Operator: broker,
		}, logger, &httpserver.Config{
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			MaxIterations:  settings.MaxIterations,
			RequiredPasses: settings.RequiredPasses,
		})
		if err != nil {
			return stop, fmt.Errorf("failed to create http server: %w", err)
		}
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("http server failed", zap.Error(err))
			}
		}()
		stops = append(stops, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http server shutdown", zap.Error(err))
			}
		})
	}

	if runMCP {
		srv, err := mcp.NewServer(&mcp.Config{
			Name:    "sentinel",
			Version: version,
			Logger:  logger,
		}, store, q, broker)
		if err != nil {
			return stop, fmt.Errorf("failed to create mcp server: %w", err)
		}
		mcpCtx, cancel := context.WithCancel(ctx)
		go func() {
			if err := srv.Run(mcpCtx); err != nil && mcpCtx.Err() == nil {
				logger.Warn("mcp server stopped", zap.Error(err))
			}
		}()
		stops = append(stops, cancel)
	}
	return stop, nil
}

// resultError maps a finished run onto the process exit code.
func resultError(res *loop.Result) error {
	if res == nil || res.Outcome != state.OutcomeAborted {
		return nil
	}
	return &exitCodeError{code: exitAborted, err: fmt.Errorf("loop aborted: %s", res.Reason)}
}

func printResult(w io.Writer, res *loop.Result) {
	fmt.Fprintf(w, "session:    %s\n", res.SessionID)
	fmt.Fprintf(w, "outcome:    %s\n", res.Outcome)
	fmt.Fprintf(w, "iterations: %d\n", res.Iterations)
	if res.Reason != "" {
		fmt.Fprintf(w, "reason:     %s\n", res.Reason)
	}
	if res.DryRun {
		fmt.Fprintln(w, "dry run:    no agents dispatched, no snapshots written")
	}
	if res.State == nil {
		return
	}
	counts := map[queue.Status]int{}
	for _, it := range res.State.WorkQueue {
		counts[it.Status]++
	}
	fmt.Fprintf(w, "queue:      %d pending, %d blocked, %d done\n",
		counts[queue.StatusPending], counts[queue.StatusBlocked], counts[queue.StatusDone])
	if failed := failingGates(res.State); len(failed) > 0 {
		fmt.Fprintf(w, "failing:    %s\n", strings.Join(failed, ", "))
	}
}

func failingGates(st *state.LoopState) []string {
	var out []string
	for _, name := range gates.DefaultOrder {
		if res, ok := st.GateResults[name]; ok && !res.Status.Passing() {
			out = append(out, name)
		}
	}
	return out
}
