// Package config provides configuration loading for sentinel.
//
// Configuration is read from a YAML file, overridden by SENTINEL_* environment
// variables, then completed with defaults and validated.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete sentinel configuration.
type Config struct {
	Loop          LoopConfig          `koanf:"loop"`
	Queue         QueueConfig         `koanf:"queue"`
	Gates         GatesConfig         `koanf:"gates"`
	Agents        AgentsConfig        `koanf:"agents"`
	State         StateConfig         `koanf:"state"`
	Server        ServerConfig        `koanf:"server"`
	Events        EventsConfig        `koanf:"events"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// LoopConfig controls the iteration loop.
type LoopConfig struct {
	MaxIterations   int         `koanf:"max_iterations"`
	PauseOnSeverity string      `koanf:"pause_on_severity"`
	Swarm           bool        `koanf:"swarm"`
	Workers         int         `koanf:"workers"`
	DryRun          bool        `koanf:"dry_run"`
	RequiredPasses  int         `koanf:"required_passes"`
	Stall           StallConfig `koanf:"stall"`
	Strategies      []string    `koanf:"strategies"`
}

// StallConfig tunes the stall heuristic.
type StallConfig struct {
	GateFailures     int `koanf:"gate_failures"`
	NoProgressWindow int `koanf:"no_progress_window"`
}

// QueueConfig controls work queue ordering.
type QueueConfig struct {
	// Priorities lists priority classes from highest to lowest.
	Priorities []string `koanf:"priorities"`
}

// GatesConfig controls the quality gate cascade.
type GatesConfig struct {
	Profile           string                   `koanf:"profile"`
	Disabled          []string                 `koanf:"disabled"`
	CoverageThreshold float64                  `koanf:"coverage_threshold"`
	Timeout           Duration                 `koanf:"timeout"`
	Severity          map[string]string        `koanf:"severity"`
	Commands          map[string]CommandConfig `koanf:"commands"`
	KnownIssuesFile   string                   `koanf:"known_issues_file"`
	AllowlistPath     string                   `koanf:"allowlist_path"`
}

// CommandConfig overrides the external command behind a gate.
type CommandConfig struct {
	Command  []string `koanf:"command"`
	Blocking *bool    `koanf:"blocking"`
	Timeout  Duration `koanf:"timeout"`
}

// AgentsConfig controls the agent coordinator.
type AgentsConfig struct {
	Workers     int      `koanf:"workers"`
	TaskTimeout Duration `koanf:"task_timeout"`
	SpawnRate   float64  `koanf:"spawn_rate"`
	SpawnBurst  int      `koanf:"spawn_burst"`
	Command     []string `koanf:"command"`
}

// StateConfig controls persistence.
type StateConfig struct {
	Backend string `koanf:"backend"`
	Dir     string `koanf:"dir"`
}

// ServerConfig holds the operator HTTP API settings.
type ServerConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// EventsConfig holds NATS event publishing settings.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	Embedded      bool   `koanf:"embedded"`
	SubjectPrefix string `koanf:"subject_prefix"`
	Token         Secret `koanf:"token"`
}

// LoggingConfig holds the subset of logging settings exposed in the file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry settings.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	ServiceName     string  `koanf:"service_name"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Loop.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("loop.max_iterations must be positive, got %d", c.Loop.MaxIterations))
	}
	if c.Loop.Workers <= 0 {
		errs = append(errs, fmt.Errorf("loop.workers must be positive, got %d", c.Loop.Workers))
	}
	if c.Loop.RequiredPasses < 2 {
		errs = append(errs, fmt.Errorf("loop.required_passes must be >= 2, got %d", c.Loop.RequiredPasses))
	}
	if !containsFold(c.Queue.Priorities, c.Loop.PauseOnSeverity) && c.Loop.PauseOnSeverity != "none" {
		errs = append(errs, fmt.Errorf("loop.pause_on_severity %q is not a configured priority", c.Loop.PauseOnSeverity))
	}
	if err := validatePriorities(c.Queue.Priorities); err != nil {
		errs = append(errs, err)
	}
	for gate, sev := range c.Gates.Severity {
		if !containsFold(c.Queue.Priorities, sev) {
			errs = append(errs, fmt.Errorf("gates.severity.%s: unknown priority %q", gate, sev))
		}
	}
	if c.Gates.CoverageThreshold < 0 || c.Gates.CoverageThreshold > 100 {
		errs = append(errs, fmt.Errorf("gates.coverage_threshold must be within [0,100], got %v", c.Gates.CoverageThreshold))
	}
	if c.Agents.SpawnRate <= 0 {
		errs = append(errs, fmt.Errorf("agents.spawn_rate must be positive"))
	}
	switch c.State.Backend {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("state.backend must be 'file' or 'sqlite', got %q", c.State.Backend))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Events.Enabled && c.Events.URL == "" && !c.Events.Embedded {
		errs = append(errs, errors.New("events.url is required when events are enabled without an embedded server"))
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability.sample_rate must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

func validatePriorities(priorities []string) error {
	if len(priorities) == 0 {
		return errors.New("queue.priorities cannot be empty")
	}
	seen := make(map[string]bool, len(priorities))
	for _, p := range priorities {
		key := strings.ToLower(p)
		if seen[key] {
			return fmt.Errorf("queue.priorities: duplicate entry %q", p)
		}
		seen[key] = true
	}
	return nil
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// DefaultPriorities is the dequeue precedence used when none is configured.
var DefaultPriorities = []string{"S0", "S1", "CoverageGap", "S2", "TechDebt", "S3", "Enhancement"}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Loop defaults
	if cfg.Loop.MaxIterations == 0 {
		cfg.Loop.MaxIterations = 50
	}
	if cfg.Loop.PauseOnSeverity == "" {
		cfg.Loop.PauseOnSeverity = "S0"
	}
	if cfg.Loop.Workers == 0 {
		cfg.Loop.Workers = 3
	}
	if cfg.Loop.RequiredPasses == 0 {
		cfg.Loop.RequiredPasses = 2
	}
	if cfg.Loop.Stall.GateFailures == 0 {
		cfg.Loop.Stall.GateFailures = 3
	}
	if cfg.Loop.Stall.NoProgressWindow == 0 {
		cfg.Loop.Stall.NoProgressWindow = 2
	}
	if len(cfg.Loop.Strategies) == 0 {
		cfg.Loop.Strategies = []string{"retry-direct", "delegate-specialist", "decompose"}
	}

	if len(cfg.Queue.Priorities) == 0 {
		cfg.Queue.Priorities = append([]string(nil), DefaultPriorities...)
	}

	// Gate defaults
	if cfg.Gates.Profile == "" {
		cfg.Gates.Profile = "auto"
	}
	if cfg.Gates.CoverageThreshold == 0 {
		cfg.Gates.CoverageThreshold = 80
	}
	if cfg.Gates.Timeout == 0 {
		cfg.Gates.Timeout = Duration(300 * time.Second)
	}
	if cfg.Gates.KnownIssuesFile == "" {
		cfg.Gates.KnownIssuesFile = ".sentinel/known-issues.md"
	}

	// Agent defaults
	if cfg.Agents.Workers == 0 {
		cfg.Agents.Workers = cfg.Loop.Workers
	}
	if cfg.Agents.TaskTimeout == 0 {
		cfg.Agents.TaskTimeout = Duration(10 * time.Minute)
	}
	if cfg.Agents.SpawnRate == 0 {
		cfg.Agents.SpawnRate = 2
	}
	if cfg.Agents.SpawnBurst == 0 {
		cfg.Agents.SpawnBurst = cfg.Agents.Workers
	}

	if cfg.State.Backend == "" {
		cfg.State.Backend = "file"
	}
	if cfg.State.Dir == "" {
		cfg.State.Dir = ".sentinel/state"
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "sentinel"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	// Observability defaults
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "sentinel"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}
}
