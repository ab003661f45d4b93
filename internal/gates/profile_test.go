package gates

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sentinel/internal/config"
)

func TestDetectProfile(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  string
	}{
		{"go module", []string{"go.mod"}, "go"},
		{"python project", []string{"pyproject.toml"}, "python"},
		{"bare python file", []string{"script.py"}, "python"},
		{"typescript", []string{"tsconfig.json"}, "typescript"},
		{"rust", []string{"Cargo.toml"}, "rust"},
		{"python wins over go", []string{"go.mod", "requirements.txt"}, "python"},
		{"nothing recognizable", []string{"notes.txt"}, ProfileGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, f := range tt.files {
				writeFile(t, dir, f, "")
			}
			assert.Equal(t, tt.want, DetectProfile(dir).Name)
		})
	}
}

func TestResolveProfile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/x\n")

	p, err := ResolveProfile(dir, config.GatesConfig{Timeout: config.Duration(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, "go", p.Name)
	lint, ok := p.Command(Lint)
	require.True(t, ok)
	assert.Equal(t, []string{"golangci-lint", "run"}, lint.Command)
	assert.Equal(t, time.Minute, lint.Timeout)

	nonBlocking := false
	p, err = ResolveProfile(dir, config.GatesConfig{
		Profile: "python",
		Commands: map[string]config.CommandConfig{
			Lint:        {Command: []string{"flake8"}},
			Integration: {Command: []string{"make", "itest"}, Timeout: config.Duration(10 * time.Minute)},
			Typecheck:   {Blocking: &nonBlocking},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "python", p.Name)

	lint, _ = p.Command(Lint)
	assert.Equal(t, []string{"flake8"}, lint.Command)
	assert.True(t, lint.Blocking, "blocking flag kept from the profile")

	itest, ok := p.Command(Integration)
	require.True(t, ok)
	assert.True(t, itest.Blocking)
	assert.Equal(t, 10*time.Minute, itest.Timeout)

	tc, _ := p.Command(Typecheck)
	assert.False(t, tc.Blocking)

	_, err = ResolveProfile(dir, config.GatesConfig{Profile: "cobol"})
	assert.Error(t, err)
}

func TestResolveProfile_DoesNotMutateBuiltins(t *testing.T) {
	_, err := ResolveProfile(t.TempDir(), config.GatesConfig{
		Profile:  "go",
		Commands: map[string]config.CommandConfig{Lint: {Command: []string{"staticcheck"}}},
	})
	require.NoError(t, err)

	lint, _ := BuiltinProfiles()["go"].Command(Lint)
	assert.Equal(t, []string{"golangci-lint", "run"}, lint.Command)
}
