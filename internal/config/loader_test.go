package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the allowed config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "sentinel")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")

	yamlContent := `loop:
  max_iterations: 12
  workers: 5
  swarm: true
queue:
  priorities: [S0, S1, S2, CoverageGap, TechDebt, S3, Enhancement]
gates:
  coverage_threshold: 65
  timeout: 90s
  commands:
    lint:
      command: ["golangci-lint", "run"]
state:
  backend: sqlite
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Loop.MaxIterations)
	assert.Equal(t, 5, cfg.Loop.Workers)
	assert.True(t, cfg.Loop.Swarm)
	assert.Equal(t, "CoverageGap", cfg.Queue.Priorities[3])
	assert.Equal(t, 65.0, cfg.Gates.CoverageThreshold)
	assert.Equal(t, 90*time.Second, cfg.Gates.Timeout.Duration())
	assert.Equal(t, []string{"golangci-lint", "run"}, cfg.Gates.Commands["lint"].Command)
	assert.Equal(t, "sqlite", cfg.State.Backend)

	// untouched sections still get defaults
	assert.Equal(t, "S0", cfg.Loop.PauseOnSeverity)
	assert.Equal(t, 2, cfg.Loop.RequiredPasses)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loop:\n  max_iterations: 12\n"), 0600))

	t.Setenv("SENTINEL_LOOP_MAX_ITERATIONS", "7")
	t.Setenv("SENTINEL_EVENTS_SUBJECT_PREFIX", "ci")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Loop.MaxIterations)
	assert.Equal(t, "ci", cfg.Events.SubjectPrefix)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Loop.MaxIterations)
	assert.Equal(t, DefaultPriorities, cfg.Queue.Priorities)
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loop:\n  workers: 2\n"), 0644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	other := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(other, []byte("{}"), 0600))

	_, err := LoadWithFile(other)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestLoadWithFile_InvalidValues(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("state:\n  backend: etcd\n"), 0600))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state.backend")
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"SENTINEL_LOOP_MAX_ITERATIONS":      "loop.max_iterations",
		"SENTINEL_GATES_COVERAGE_THRESHOLD": "gates.coverage_threshold",
		"SENTINEL_DEBUG":                    "debug",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}
