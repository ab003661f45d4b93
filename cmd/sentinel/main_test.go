package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sentinel/internal/config"
	"github.com/fyrsmithlabs/sentinel/internal/gates"
	"github.com/fyrsmithlabs/sentinel/internal/loop"
	"github.com/fyrsmithlabs/sentinel/internal/operator"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

// execRoot runs the root command with args against an isolated home.
func execRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Cleanup(func() {
		resetFlags(rootCmd.PersistentFlags())
		for _, c := range rootCmd.Commands() {
			resetFlags(c.Flags())
			resetFlags(c.PersistentFlags())
			for _, sub := range c.Commands() {
				resetFlags(sub.Flags())
			}
		}
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetFlags(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
}

func savedState(t *testing.T, dir string) *state.LoopState {
	t.Helper()
	store, err := state.NewFileStore(dir)
	require.NoError(t, err)
	defer store.Close()

	st := state.New("add pagination\nto the list endpoint", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	st.Iteration = 3
	st.Phase = state.PhaseQuality
	st.ConsecutivePasses = 1
	st.WorkQueue = []queue.WorkItem{
		{ID: "a1", Priority: queue.S1, Title: "Fix lint gate failures", Status: queue.StatusPending, Source: "gate:lint"},
		{ID: "b2", Priority: queue.S2, Title: "Add tests", Status: queue.StatusBlocked, BlockedBy: []string{"a1"}, Source: "assess"},
		{ID: "c3", Priority: queue.S3, Title: "Update docs", Status: queue.StatusDone, Source: "assess"},
	}
	cov := 72.5
	st.GateResults = map[string]gates.Result{
		gates.Test: {Name: gates.Test, Status: gates.StatusFail, Detail: "coverage below threshold", Coverage: &cov},
		gates.Lint: {Name: gates.Lint, Status: gates.StatusPass},
	}
	require.NoError(t, store.Save(context.Background(), st))
	return st
}

func TestApplyRunFlags(t *testing.T) {
	t.Cleanup(func() { resetFlags(runCmd.Flags()) })

	cfg := config.Default()
	require.NoError(t, runCmd.Flags().Set("workers", "5"))
	require.NoError(t, runCmd.Flags().Set("pause-on", "none"))
	require.NoError(t, runCmd.Flags().Set("http", "true"))
	require.NoError(t, runCmd.Flags().Set("events-url", "nats://localhost:4222"))

	applyRunFlags(runCmd, cfg)

	assert.Equal(t, 5, cfg.Loop.Workers)
	assert.Equal(t, 5, cfg.Agents.Workers)
	assert.Equal(t, "none", cfg.Loop.PauseOnSeverity)
	assert.True(t, cfg.Server.Enabled)
	assert.True(t, cfg.Events.Enabled)
	assert.Equal(t, "nats://localhost:4222", cfg.Events.URL)
	// Unset flags leave the config alone.
	assert.Equal(t, 50, cfg.Loop.MaxIterations)
	assert.False(t, cfg.Loop.DryRun)
}

func TestResultError(t *testing.T) {
	assert.NoError(t, resultError(nil))
	assert.NoError(t, resultError(&loop.Result{Outcome: state.OutcomeDone}))
	assert.NoError(t, resultError(&loop.Result{Outcome: state.OutcomeContinue, DryRun: true}))

	err := resultError(&loop.Result{Outcome: state.OutcomeAborted, Reason: "max iterations (50) reached without completion"})
	var ec *exitCodeError
	require.True(t, errors.As(err, &ec))
	assert.Equal(t, exitAborted, ec.code)
	assert.Contains(t, err.Error(), "max iterations")
}

func TestPrintResult(t *testing.T) {
	st := state.New("task", time.Now())
	st.WorkQueue = []queue.WorkItem{{ID: "a", Status: queue.StatusPending}, {ID: "b", Status: queue.StatusDone}}
	st.GateResults = map[string]gates.Result{
		gates.Lint:     {Name: gates.Lint, Status: gates.StatusFail},
		gates.Security: {Name: gates.Security, Status: gates.StatusWarn},
	}

	var buf bytes.Buffer
	printResult(&buf, &loop.Result{SessionID: "s1", Outcome: state.OutcomeAborted, Iterations: 4, Reason: "operator chose stop", State: st})
	out := buf.String()

	assert.Contains(t, out, "outcome:    aborted")
	assert.Contains(t, out, "reason:     operator chose stop")
	assert.Contains(t, out, "1 pending, 0 blocked, 1 done")
	assert.Contains(t, out, "failing:    lint\n")
}

func TestRun_RequiresTask(t *testing.T) {
	_, err := execRoot(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task is required")
}

func TestStatusCommand(t *testing.T) {
	dir := t.TempDir()
	savedState(t, dir)

	out, err := execRoot(t, "--state-dir", dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Task:        add pagination\n")
	assert.Contains(t, out, "Iteration:   3 (QUALITY)")
	assert.Contains(t, out, "1 pending, 0 in progress, 1 blocked, 1 done")
	assert.Contains(t, out, "72.5%")
	// Cascade order: lint before test.
	assert.Less(t, strings.Index(out, "lint"), strings.Index(out, "test "))
}

func TestStatusCommand_NoSession(t *testing.T) {
	_, err := execRoot(t, "--state-dir", t.TempDir(), "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session")
}

func TestStatusCommand_Escalation(t *testing.T) {
	dir := t.TempDir()
	st := savedState(t, dir)
	st.Escalation = &state.Escalation{ID: "esc-1", Reason: "no progress", Options: state.Replies()}
	store, err := state.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), st))
	require.NoError(t, store.Close())

	out, err := execRoot(t, "--state-dir", dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Escalation esc-1: no progress")
	assert.Contains(t, out, "sentinel reply <continue|skip|stop>")
}

func TestQueueCommand(t *testing.T) {
	dir := t.TempDir()
	savedState(t, dir)

	out, err := execRoot(t, "--state-dir", dir, "queue")
	require.NoError(t, err)
	assert.Contains(t, out, "Fix lint gate failures")
	assert.Contains(t, out, "Add tests")
	assert.NotContains(t, out, "Update docs")

	out, err = execRoot(t, "--state-dir", dir, "queue", "--status", "done")
	require.NoError(t, err)
	assert.Contains(t, out, "Update docs")
	assert.NotContains(t, out, "Add tests")

	_, err = execRoot(t, "--state-dir", dir, "queue", "--status", "sleeping")
	require.Error(t, err)
}

func TestFilterItems(t *testing.T) {
	items := []queue.WorkItem{
		{ID: "a", Status: queue.StatusPending},
		{ID: "b", Status: queue.StatusDone},
		{ID: "c", Status: queue.StatusBlocked},
	}
	ids := func(items []queue.WorkItem) []string {
		out := make([]string, len(items))
		for i, it := range items {
			out[i] = it.ID
		}
		return out
	}

	assert.Equal(t, []string{"a", "c"}, ids(filterItems(items, "", false)))
	assert.Equal(t, []string{"a", "b", "c"}, ids(filterItems(items, "", true)))
	assert.Equal(t, []string{"b"}, ids(filterItems(items, queue.StatusDone, false)))
}

func TestCheckpointCommands(t *testing.T) {
	dir := t.TempDir()
	st := savedState(t, dir)

	out, err := execRoot(t, "--state-dir", dir, "checkpoint", "create", "before-refactor")
	require.NoError(t, err)
	assert.Contains(t, out, `Checkpoint "before-refactor" created`)

	store, err := state.NewFileStore(dir)
	require.NoError(t, err)
	infos, err := store.List(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	named := filterKind(infos, state.KindCheckpoint)
	require.Len(t, named, 1)
	assert.Equal(t, "before-refactor", named[0].Name)

	out, err = execRoot(t, "--state-dir", dir, "checkpoint", "list", "--kind", "checkpoint")
	require.NoError(t, err)
	assert.Contains(t, out, string(named[0].Token))
	assert.Contains(t, out, "before-refactor")

	// Move the session on, then restore the checkpoint.
	st.Iteration = 9
	store, err = state.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), st))
	require.NoError(t, store.Close())

	out, err = execRoot(t, "--state-dir", dir, "checkpoint", "restore", string(named[0].Token))
	require.NoError(t, err)
	assert.Contains(t, out, "at iteration 3")

	store, err = state.NewFileStore(dir)
	require.NoError(t, err)
	defer store.Close()
	current, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, current.Iteration)
}

func TestCheckpointRestore_NotFound(t *testing.T) {
	_, err := execRoot(t, "--state-dir", t.TempDir(), "checkpoint", "restore", "snap-0-deadbeef")
	require.Error(t, err)
}

func TestCheckpointList_UnknownKind(t *testing.T) {
	_, err := execRoot(t, "--state-dir", t.TempDir(), "checkpoint", "list", "--kind", "backup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestReplyCommand_WritesReplyFile(t *testing.T) {
	dir := t.TempDir()

	out, err := execRoot(t, "--state-dir", dir, "reply", "skip", "--id", "esc-7")
	require.NoError(t, err)
	assert.Contains(t, out, "Reply skip written")

	data, err := os.ReadFile(filepath.Join(dir, operator.ReplyFile))
	require.NoError(t, err)
	assert.Equal(t, "esc-7 skip", strings.TrimSpace(string(data)))
}

func TestReplyCommand_InvalidReply(t *testing.T) {
	_, err := execRoot(t, "--state-dir", t.TempDir(), "reply", "maybe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown reply")
}

func TestStopCommand_WritesStopFile(t *testing.T) {
	dir := t.TempDir()

	_, err := execRoot(t, "--state-dir", dir, "stop", "need", "to", "rebase")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, operator.StopFile))
	require.NoError(t, err)
	assert.Equal(t, "need to rebase", strings.TrimSpace(string(data)))
}

func TestProfileCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/x\n"), 0o600))

	out, err := execRoot(t, "profile", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Profile: go")
	assert.Contains(t, out, "preflight")
	assert.Contains(t, out, "final-verifier")
}

func TestPrintProfile(t *testing.T) {
	p := gates.Profile{
		Name: "custom",
		Gates: map[string]gates.GateCommand{
			gates.Lint: {Command: []string{"make", "lint"}, Blocking: false, Timeout: time.Minute},
		},
	}
	var buf bytes.Buffer
	printProfile(&buf, p, []string{gates.Preflight, gates.Lint, gates.Typecheck})
	out := buf.String()

	assert.Contains(t, out, "Profile: custom")
	assert.Regexp(t, `lint\s+no\s+1m0s\s+make lint`, out)
	assert.Regexp(t, `typecheck\s+yes\s+-\s+\(not configured\)`, out)
	assert.Regexp(t, `preflight\s+yes\s+-\s+built in`, out)
}

func TestGateNames(t *testing.T) {
	results := map[string]gates.Result{
		"custom":            {},
		gates.FinalVerifier: {},
		gates.Preflight:     {},
		gates.Documentation: {},
	}
	assert.Equal(t, []string{gates.Preflight, gates.Documentation, gates.FinalVerifier, "custom"}, gateNames(results))
}

func TestServerURL(t *testing.T) {
	assert.Equal(t, "http://localhost:9191", serverURL(config.ServerConfig{Host: "localhost", Port: 9191}))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{name: "string shorter than max", input: "hello", maxLen: 10, want: "hello"},
		{name: "string equal to max", input: "hello", maxLen: 5, want: "hello"},
		{name: "string longer than max", input: "hello world", maxLen: 8, want: "hello..."},
		{name: "very short max", input: "hello", maxLen: 3, want: "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.input, tt.maxLen))
		})
	}
}
