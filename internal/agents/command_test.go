package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandExecutor_Report(t *testing.T) {
	script := `grep -q '"type":"review"' || exit 3
echo '{"summary":"done","findings":[{"severity":"high","category":"lint","title":"unused import"}]}'`
	e := NewCommandExecutor([]string{"sh", "-c", script}, t.TempDir())

	task, err := e.Execute(context.Background(), TaskSpec{ID: "t1", Type: "review", Instruction: "look"})
	require.NoError(t, err)
	assert.Equal(t, "done", task.Summary)
	require.Len(t, task.Findings, 1)
	assert.Equal(t, Finding{Severity: "high", Category: "lint", Title: "unused import"}, task.Findings[0])
}

func TestCommandExecutor_FindingsArray(t *testing.T) {
	e := NewCommandExecutor([]string{"sh", "-c", `cat >/dev/null; echo '[{"severity":"S0","title":"crash"}]'`}, "")
	task, err := e.Execute(context.Background(), TaskSpec{Type: "x"})
	require.NoError(t, err)
	require.Len(t, task.Findings, 1)
	assert.Equal(t, "crash", task.Findings[0].Title)
}

func TestCommandExecutor_EmptyOutput(t *testing.T) {
	e := NewCommandExecutor([]string{"sh", "-c", "cat >/dev/null"}, "")
	task, err := e.Execute(context.Background(), TaskSpec{Type: "x"})
	require.NoError(t, err)
	assert.Empty(t, task.Findings)
}

func TestCommandExecutor_Errors(t *testing.T) {
	_, err := (&CommandExecutor{}).Execute(context.Background(), TaskSpec{})
	assert.Error(t, err)

	e := NewCommandExecutor([]string{"sh", "-c", "cat >/dev/null; echo 'permission denied' >&2; exit 1"}, "")
	_, err = e.Execute(context.Background(), TaskSpec{Type: "builder"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")

	e = NewCommandExecutor([]string{"sh", "-c", "cat >/dev/null; echo not-json"}, "")
	_, err = e.Execute(context.Background(), TaskSpec{Type: "builder"})
	assert.ErrorContains(t, err, "parsing report")
}
