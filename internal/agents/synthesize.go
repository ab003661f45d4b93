package agents

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sentinel/internal/queue"
)

// SimilarityThreshold is the token Jaccard score at which two findings in
// the same category are treated as one.
const SimilarityThreshold = 0.8

type merged struct {
	finding  Finding
	priority queue.Priority
	tokens   map[string]struct{}
	sources  []string
}

// Synthesize merges findings from every task into work items. Findings in
// the same category whose normalized titles reach SimilarityThreshold are
// merged, keeping the highest severity. Items are ordered by priority then
// title, and carry no ID so the queue assigns one.
func Synthesize(tasks []*AgentTask, iteration int, table queue.PriorityTable) []queue.WorkItem {
	var groups []*merged
	for _, t := range tasks {
		if t == nil {
			continue
		}
		for _, f := range t.Findings {
			if strings.TrimSpace(f.Title) == "" {
				continue
			}
			p := FindingPriority(f.Severity, table)
			toks := tokens(f.Title)
			if m := match(groups, f.Category, toks); m != nil {
				if table.Rank(p) < table.Rank(m.priority) {
					m.priority = p
					m.finding = f
				}
				m.sources = appendSource(m.sources, t.Type)
				continue
			}
			groups = append(groups, &merged{finding: f, priority: p, tokens: toks, sources: []string{t.Type}})
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		ri, rj := table.Rank(groups[i].priority), table.Rank(groups[j].priority)
		if ri != rj {
			return ri < rj
		}
		return groups[i].finding.Title < groups[j].finding.Title
	})

	items := make([]queue.WorkItem, 0, len(groups))
	for _, m := range groups {
		desc := m.finding.Detail
		if len(m.sources) > 0 {
			if desc != "" {
				desc += "\n\n"
			}
			desc += "Reported by: " + strings.Join(m.sources, ", ")
		}
		items = append(items, queue.WorkItem{
			Priority:       m.priority,
			Title:          m.finding.Title,
			Description:    desc,
			AddedIteration: iteration,
			Source:         queue.SourceAgent + m.sources[0],
		})
	}
	return items
}

// Enqueuer is the queue surface SynthesizeInto needs.
type Enqueuer interface {
	Enqueue(item queue.WorkItem) (string, error)
	Items() []queue.WorkItem
	Table() queue.PriorityTable
}

// SynthesizeInto synthesizes tasks and enqueues the result, skipping
// findings that duplicate an item already open in q. It returns the new
// item ids.
func (c *Coordinator) SynthesizeInto(q Enqueuer, tasks []*AgentTask, iteration int) ([]string, error) {
	var open []queue.WorkItem
	for _, it := range q.Items() {
		if it.Status.IsOpen() {
			open = append(open, it)
		}
	}

	var ids []string
	var errs []error
	for _, item := range Synthesize(tasks, iteration, q.Table()) {
		if duplicatesOpen(item, open) {
			continue
		}
		id, err := q.Enqueue(item)
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue %q: %w", item.Title, err))
			continue
		}
		item.ID = id
		open = append(open, item)
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		c.logger.Info("agent findings enqueued", zap.Int("count", len(ids)), zap.Int("iteration", iteration))
	}
	return ids, errors.Join(errs...)
}

func duplicatesOpen(item queue.WorkItem, open []queue.WorkItem) bool {
	toks := tokens(item.Title)
	for _, o := range open {
		if Similarity(toks, tokens(o.Title)) >= SimilarityThreshold {
			return true
		}
	}
	return false
}

func match(groups []*merged, category string, toks map[string]struct{}) *merged {
	for _, m := range groups {
		if strings.EqualFold(m.finding.Category, category) && Similarity(m.tokens, toks) >= SimilarityThreshold {
			return m
		}
	}
	return nil
}

// Similarity is the Jaccard index of two token sets. Two empty sets are
// identical.
func Similarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// tokens lowercases s and splits it on anything that is not a letter or
// digit.
func tokens(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[f] = struct{}{}
	}
	return set
}

func appendSource(sources []string, s string) []string {
	for _, x := range sources {
		if x == s {
			return sources
		}
	}
	return append(sources, s)
}
