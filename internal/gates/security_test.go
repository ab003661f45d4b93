package gates

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sentinel/internal/queue"
)

// fakeAWSKey matches the gitleaks aws-access-token rule. It is split so
// this file does not trip a scan of the repository itself.
const fakeAWSKey = "AKIA" + "Q3EGRTSLPZV4NWXK"

func initRepo(t *testing.T) (string, *git.Worktree) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	return dir, wt
}

func commitAll(t *testing.T, wt *git.Worktree, paths ...string) {
	t.Helper()
	for _, p := range paths {
		_, err := wt.Add(p)
		require.NoError(t, err)
	}
	_, err := wt.Commit("add files", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)
}

func TestLoadAllowlists(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".gitleaks.toml", `
[allowlist]
paths = ['''testdata/.*''']
regexes = ['''EXAMPLE[A-Z0-9]+''']
`)
	user := filepath.Join(t.TempDir(), "allowlist.toml")
	writeFile(t, filepath.Dir(user), "allowlist.toml", `
[allowlist]
paths = ['''fixtures/.*''']
`)

	al, err := LoadAllowlists(dir, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"testdata/.*", "fixtures/.*"}, al.Paths)
	assert.Equal(t, []string{"EXAMPLE[A-Z0-9]+"}, al.Regexes)

	al, err = LoadAllowlists(t.TempDir(), filepath.Join(dir, "missing.toml"))
	require.NoError(t, err)
	assert.Empty(t, al.Paths)
}

func TestLoadAllowlists_Invalid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".gitleaks.toml", "[allowlist\npaths = 1")
	_, err := LoadAllowlists(dir, "")
	assert.ErrorIs(t, err, ErrInvalidTOML)

	writeFile(t, dir, ".gitleaks.toml", "[allowlist]\nregexes = ['''(unclosed''']\n")
	_, err = LoadAllowlists(dir, "")
	assert.ErrorIs(t, err, ErrInvalidRegex)
}

func TestNewSecurityGate_InvalidPath(t *testing.T) {
	_, err := NewSecurityGate(&Allowlist{Paths: []string{"["}})
	assert.ErrorIs(t, err, ErrInvalidRegex)
}

func TestSecurityGate_CleanTree(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")
	writeFile(t, dir, "README.md", "# demo\n")

	g, err := NewSecurityGate(nil)
	require.NoError(t, err)
	res := g.Evaluate(context.Background(), RepoState{Dir: dir})
	assert.Equal(t, StatusPass, res.Status)
}

func TestSecurityGate_SkippedPaths(t *testing.T) {
	g, err := NewSecurityGate(&Allowlist{Paths: []string{`^testdata/`}})
	require.NoError(t, err)
	assert.True(t, g.skipped("testdata/keys.pem"))
	assert.False(t, g.skipped("internal/keys.go"))
}

func TestSecurityGate_CancelledScan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g, err := NewSecurityGate(nil)
	require.NoError(t, err)
	_, err = g.Scan(ctx, dir)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCascade_TrackedSecretRaisesS0(t *testing.T) {
	dir, wt := initRepo(t)
	writeFile(t, dir, "main.go", "package main\n")
	writeFile(t, dir, "config/aws.go", "package config\n\nconst accessKey = \""+fakeAWSKey+"\"\n")
	commitAll(t, wt, "main.go")
	_, err := wt.Add("config/aws.go")
	require.NoError(t, err)

	security, err := NewSecurityGate(nil)
	require.NoError(t, err)
	q := queue.New()
	report := NewCascade(q, []Gate{security}).Run(context.Background(), RepoState{Dir: dir, Iteration: 1})

	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.Equal(t, StatusFail, res.Status)
	assert.Contains(t, res.Output, "config/aws.go:3 (aws-access-token)")
	assert.NotContains(t, res.Output, fakeAWSKey)

	require.Len(t, report.Enqueued, 1)
	item, ok := q.Get(report.Enqueued[0])
	require.True(t, ok)
	assert.Equal(t, queue.S0, item.Priority)
	assert.Equal(t, queue.GateSource(Security), item.Source)
}

func TestSecurityGate_OnlyTrackedFiles(t *testing.T) {
	dir, wt := initRepo(t)
	writeFile(t, dir, "main.go", "package main\n")
	commitAll(t, wt, "main.go")
	writeFile(t, dir, ".env", "AWS_ACCESS_KEY_ID="+fakeAWSKey+"\n")

	g, err := NewSecurityGate(nil)
	require.NoError(t, err)
	res := g.Evaluate(context.Background(), RepoState{Dir: dir})
	assert.Equal(t, StatusPass, res.Status, "untracked files are not scanned")

	_, err = wt.Add(".env")
	require.NoError(t, err)
	findings, err := g.Scan(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, ".env", findings[0].File)
	assert.Equal(t, 1, findings[0].Line)
}

func TestSecurityGate_Subdirectory(t *testing.T) {
	dir, wt := initRepo(t)
	writeFile(t, dir, "svc/keys.go", "package svc\n\nvar k = \""+fakeAWSKey+"\"\n")
	writeFile(t, dir, "other/keys.go", "package other\n\nvar k = \""+fakeAWSKey+"\"\n")
	commitAll(t, wt, "svc/keys.go", "other/keys.go")

	g, err := NewSecurityGate(nil)
	require.NoError(t, err)
	findings, err := g.Scan(context.Background(), filepath.Join(dir, "svc"))
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "keys.go", findings[0].File)
}

func TestSecurityGate_AllowlistRegexSuppresses(t *testing.T) {
	dir, wt := initRepo(t)
	writeFile(t, dir, "config/aws.go", "package config\n\nconst accessKey = \""+fakeAWSKey+"\"\n")
	commitAll(t, wt, "config/aws.go")

	project := t.TempDir()
	writeFile(t, project, ".gitleaks.toml", "[allowlist]\nregexes = ['''^AKIAQ3EGRTSL[A-Z2-7]+$''']\n")
	al, err := LoadAllowlists(project, "")
	require.NoError(t, err)

	g, err := NewSecurityGate(al)
	require.NoError(t, err)
	res := g.Evaluate(context.Background(), RepoState{Dir: dir})
	assert.Equal(t, StatusPass, res.Status)

	other, err := NewSecurityGate(&Allowlist{Regexes: []string{`^AKIAZZZZ`}})
	require.NoError(t, err)
	res = other.Evaluate(context.Background(), RepoState{Dir: dir})
	assert.Equal(t, StatusFail, res.Status, "a non-matching pattern suppresses nothing")
}

func TestSecurityGate_NotARepository(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "deploy/env.sh", "export AWS_ACCESS_KEY_ID="+fakeAWSKey+"\n")
	writeFile(t, dir, "node_modules/pkg/index.js", "var k = '"+fakeAWSKey+"'\n")

	g, err := NewSecurityGate(nil)
	require.NoError(t, err)
	findings, err := g.Scan(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "deploy/env.sh", findings[0].File)
}
