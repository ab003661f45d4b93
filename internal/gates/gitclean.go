package gates

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
)

// GitCleanGate fails on uncommitted modifications to tracked files.
// Untracked files are allowed, and a directory outside any repository
// passes.
type GitCleanGate struct{}

// NewGitCleanGate creates the gate.
func NewGitCleanGate() *GitCleanGate {
	return &GitCleanGate{}
}

// Name returns the gate identifier.
func (g *GitCleanGate) Name() string {
	return GitClean
}

// Evaluate inspects the worktree status.
func (g *GitCleanGate) Evaluate(_ context.Context, state RepoState) Result {
	dirty, err := DirtyFiles(state.Dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return pass(GitClean, "not a git repository")
	}
	if err != nil {
		return fail(GitClean, fmt.Sprintf("reading git status: %v", err))
	}
	if len(dirty) == 0 {
		return pass(GitClean, "working tree clean")
	}
	res := fail(GitClean, fmt.Sprintf("%d uncommitted change(s)", len(dirty)))
	res.Output = strings.Join(dirty, "\n")
	return res
}

// DirtyFiles lists tracked files with staged or unstaged changes.
func DirtyFiles(dir string) ([]string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	status, err := wt.Status()
	if err != nil {
		return nil, err
	}

	var dirty []string
	for path, fs := range status {
		if fs.Worktree == git.Untracked && fs.Staging == git.Untracked {
			continue
		}
		if fs.Worktree != git.Unmodified || fs.Staging != git.Unmodified {
			dirty = append(dirty, path)
		}
	}
	sort.Strings(dirty)
	return dirty, nil
}

// CurrentBranch returns the short name of HEAD, or "" when dir is not in a
// repository or HEAD is detached.
func CurrentBranch(dir string) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil || !head.Name().IsBranch() {
		return ""
	}
	return head.Name().Short()
}
