// Package main implements the sentinel CLI. It runs the orchestration loop
// and talks to a loop that is already running.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log"

	"github.com/fyrsmithlabs/sentinel/internal/config"
	"github.com/fyrsmithlabs/sentinel/internal/logging"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

var (
	// configPath overrides the config file location
	configPath string
	// stateDir overrides state.dir from the config file
	stateDir string
	// version information
	version = "dev"
)

// Exit codes returned by run.
const (
	exitOK      = 0
	exitError   = 1
	exitAborted = 2
)

// exitCodeError carries a process exit code through cobra.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute())
}

func execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return exitError
}

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Autonomous assess, plan, build, test, verify loop",
	Long: `sentinel drives iterative assess/plan/build/test/verify cycles against a
prioritized work queue, gated by a cascade of blocking quality checks.

A run stops when the gates pass on consecutive iterations, when the iteration
bound is reached, or when the operator asks it to stop.

Examples:
  # Run the loop for a task
  sentinel run "add pagination to the list endpoint"

  # Watch a running loop
  sentinel watch

  # Answer an escalation
  sentinel reply continue`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default .sentinel/config.yaml or ~/.config/sentinel/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "State directory (overrides state.dir)")
}

// loadConfig loads the config file and applies the persistent overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if stateDir != "" {
		cfg.State.Dir = stateDir
	}
	return cfg, nil
}

// newLogger builds the process logger. provider may be nil.
func newLogger(cfg *config.Config, provider log.LoggerProvider) (*logging.Logger, error) {
	logCfg, err := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	logCfg.Output.OTEL = provider != nil
	logger, err := logging.NewLogger(logCfg, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

// openStore opens the configured state store without logging.
func openStore(cfg *config.Config) (state.Store, error) {
	store, err := state.Open(cfg.State.Backend, cfg.State.Dir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return store, nil
}
