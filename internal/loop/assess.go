package loop

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/sentinel/internal/gates"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
)

// AssessInput is what an Assessor sees.
type AssessInput struct {
	Task      string
	Iteration int
	Dir       string
	// Items is every item in the queue, done ones included.
	Items []queue.WorkItem
}

// Assessor turns an external signal into work items during ASSESS.
type Assessor interface {
	Name() string
	Assess(ctx context.Context, in AssessInput) ([]queue.WorkItem, error)
}

// Resolver is implemented by assessors whose signal can clear. Resolved
// returns the open items it raised that no longer have a signal, with the
// note to close them with.
type Resolver interface {
	Resolved(ctx context.Context, in AssessInput) (ids []string, note string, err error)
}

// TaskItemID is the id of the item seeded for the task text.
const TaskItemID = "task"

// TaskAssessor seeds a single S2 item for the task on the first iteration.
type TaskAssessor struct{}

// Name returns the assessor identifier.
func (TaskAssessor) Name() string { return "task" }

// Assess returns the task item once.
func (TaskAssessor) Assess(_ context.Context, in AssessInput) ([]queue.WorkItem, error) {
	if strings.TrimSpace(in.Task) == "" {
		return nil, nil
	}
	for _, it := range in.Items {
		if it.ID == TaskItemID {
			return nil, nil
		}
	}
	title := in.Task
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	return []queue.WorkItem{{
		ID:          TaskItemID,
		Priority:    queue.S2,
		Title:       title,
		Description: in.Task,
		Source:      queue.SourceAssess,
	}}, nil
}

// KnownIssuesAssessor raises an item for every unchecked entry in the
// known-issues file that has never been queued.
type KnownIssuesAssessor struct {
	Path string
}

// Name returns the assessor identifier.
func (a KnownIssuesAssessor) Name() string { return "known-issues" }

func (a KnownIssuesAssessor) source() string {
	return queue.SourceAssess + ":" + a.Name()
}

func (a KnownIssuesAssessor) issues(dir string) ([]gates.KnownIssue, error) {
	path := a.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return gates.ParseKnownIssues(path)
}

// Assess parses the file. A missing file yields nothing.
func (a KnownIssuesAssessor) Assess(_ context.Context, in AssessInput) ([]queue.WorkItem, error) {
	if a.Path == "" {
		return nil, nil
	}
	issues, err := a.issues(in.Dir)
	if err != nil {
		return nil, err
	}

	source := a.source()
	seen := make(map[string]bool, len(in.Items))
	for _, it := range in.Items {
		if it.Source == source {
			seen[it.Title] = true
		}
	}

	var out []queue.WorkItem
	for _, is := range issues {
		if is.Checked || seen[is.Title] {
			continue
		}
		seen[is.Title] = true
		out = append(out, queue.WorkItem{
			Priority:    is.Severity,
			Title:       is.Title,
			Description: fmt.Sprintf("Listed in %s line %d.", a.Path, is.Line),
			Source:      source,
		})
	}
	return out, nil
}

// Resolved returns the open items raised from entries that are now checked
// off or gone from the file.
func (a KnownIssuesAssessor) Resolved(_ context.Context, in AssessInput) ([]string, string, error) {
	if a.Path == "" {
		return nil, "", nil
	}
	issues, err := a.issues(in.Dir)
	if err != nil {
		return nil, "", err
	}
	unchecked := make(map[string]bool, len(issues))
	for _, is := range issues {
		if !is.Checked {
			unchecked[is.Title] = true
		}
	}

	var ids []string
	for _, it := range in.Items {
		if it.Source == a.source() && it.Status.IsOpen() && !unchecked[it.Title] {
			ids = append(ids, it.ID)
		}
	}
	return ids, "checked off in " + a.Path, nil
}

// DefaultAssessors returns the task seed plus a known-issues reader for
// path, when set.
func DefaultAssessors(knownIssues string) []Assessor {
	out := []Assessor{TaskAssessor{}}
	if knownIssues != "" {
		out = append(out, KnownIssuesAssessor{Path: knownIssues})
	}
	return out
}
