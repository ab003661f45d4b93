package gates

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/sentinel/internal/queue"
)

// KnownIssue is one checklist entry from the known-issues file.
type KnownIssue struct {
	Title    string
	Severity queue.Priority
	Checked  bool
	Line     int
}

// "- [ ] [S1] flaky login test" or "* [x] S0: crash on start"
var issueLine = regexp.MustCompile(`^\s*[-*]\s+\[([ xX])\]\s+(?:\[?(S[0-3])\]?:?\s+)?(.+?)\s*$`)

// ParseKnownIssues reads checklist entries from a markdown file. A missing
// file yields no issues. Entries without a severity tag default to S2.
func ParseKnownIssues(path string) ([]KnownIssue, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening known issues: %w", err)
	}
	defer f.Close()

	var issues []KnownIssue
	scanner := bufio.NewScanner(f)
	for n := 1; scanner.Scan(); n++ {
		m := issueLine.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		sev := queue.S2
		if m[2] != "" {
			sev = queue.Priority(m[2])
		}
		issues = append(issues, KnownIssue{
			Title:    m[3],
			Severity: sev,
			Checked:  m[1] != " ",
			Line:     n,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading known issues: %w", err)
	}
	return issues, nil
}

// KnownIssuesGate fails while the known-issues file lists unchecked S0 or
// S1 entries.
type KnownIssuesGate struct {
	path string
}

// NewKnownIssuesGate creates the gate. Relative paths resolve against the
// repository directory.
func NewKnownIssuesGate(path string) *KnownIssuesGate {
	return &KnownIssuesGate{path: path}
}

// Name returns the gate identifier.
func (g *KnownIssuesGate) Name() string {
	return KnownIssues
}

// Evaluate checks the known-issues file.
func (g *KnownIssuesGate) Evaluate(_ context.Context, state RepoState) Result {
	if g.path == "" {
		return pass(KnownIssues, DetailSkipped)
	}
	path := g.path
	if !filepath.IsAbs(path) {
		path = filepath.Join(state.Dir, path)
	}
	issues, err := ParseKnownIssues(path)
	if err != nil {
		return fail(KnownIssues, err.Error())
	}

	var open []string
	for _, is := range issues {
		if !is.Checked && (is.Severity == queue.S0 || is.Severity == queue.S1) {
			open = append(open, fmt.Sprintf("[%s] %s", is.Severity, is.Title))
		}
	}
	if len(open) > 0 {
		res := fail(KnownIssues, fmt.Sprintf("%d unresolved S0/S1 known issue(s)", len(open)))
		res.Output = strings.Join(open, "\n")
		return res
	}
	return pass(KnownIssues, fmt.Sprintf("%d known issue(s), none blocking", len(issues)))
}
