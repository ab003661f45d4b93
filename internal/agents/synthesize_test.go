package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sentinel/internal/queue"
)

func TestSynthesize_MergesSimilarFindings(t *testing.T) {
	tasks := []*AgentTask{
		{Type: "reviewer", Findings: []Finding{
			{Severity: "S2", Category: "lint", Title: "Unused variable x in parser.go", Detail: "first"},
			{Severity: "S3", Category: "docs", Title: "README lacks install steps"},
		}},
		{Type: "linter", Findings: []Finding{
			{Severity: "high", Category: "LINT", Title: "unused variable x in parser.go!", Detail: "second"},
			{Severity: "S2", Category: "security", Title: "Unused variable x in parser.go"},
		}},
	}

	items := Synthesize(tasks, 4, queue.DefaultPriorityTable())
	require.Len(t, items, 3)

	assert.Equal(t, queue.S1, items[0].Priority, "highest severity wins")
	assert.Equal(t, "unused variable x in parser.go!", items[0].Title)
	assert.Contains(t, items[0].Description, "second")
	assert.Contains(t, items[0].Description, "reviewer, linter")
	assert.Equal(t, "agent:reviewer", items[0].Source)
	assert.Equal(t, 4, items[0].AddedIteration)
	assert.Empty(t, items[0].ID)

	assert.Equal(t, queue.S2, items[1].Priority, "different category is not merged")
	assert.Equal(t, queue.S3, items[2].Priority)
}

func TestSynthesize_Threshold(t *testing.T) {
	// 4 shared tokens of 5 is exactly 0.8.
	merge := []*AgentTask{{Type: "a", Findings: []Finding{
		{Category: "test", Title: "fix flaky login test"},
		{Category: "test", Title: "fix flaky login test now"},
	}}}
	assert.Len(t, Synthesize(merge, 1, queue.DefaultPriorityTable()), 1)

	// 3 of 5 is 0.6.
	keep := []*AgentTask{{Type: "a", Findings: []Finding{
		{Category: "test", Title: "fix flaky login test"},
		{Category: "test", Title: "fix flaky signup check"},
	}}}
	assert.Len(t, Synthesize(keep, 1, queue.DefaultPriorityTable()), 2)
}

func TestSynthesize_SkipsEmptyAndNil(t *testing.T) {
	items := Synthesize([]*AgentTask{nil, {Findings: []Finding{{Title: "  "}}}}, 1, queue.DefaultPriorityTable())
	assert.Empty(t, items)
}

func TestFindingPriority(t *testing.T) {
	table := queue.DefaultPriorityTable()
	tests := map[string]queue.Priority{
		"S0":          queue.S0,
		"s1":          queue.S1,
		"CoverageGap": queue.CoverageGap,
		"critical":    queue.S0,
		"High":        queue.S1,
		"low":         queue.S3,
		"info":        queue.Enhancement,
		"whatever":    queue.S2,
		"":            queue.S2,
	}
	for in, want := range tests {
		assert.Equal(t, want, FindingPriority(in, table), in)
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity(tokens("A b"), tokens("b, a")))
	assert.Equal(t, 0.0, Similarity(tokens("a"), tokens("b")))
	assert.Equal(t, 1.0, Similarity(tokens(""), tokens("!!")))
	assert.InDelta(t, 0.5, Similarity(tokens("a b"), tokens("a b c d")), 1e-9)
}

func TestSynthesizeInto(t *testing.T) {
	q := queue.New()
	_, err := q.Enqueue(queue.WorkItem{ID: "existing", Priority: queue.S2, Title: "Fix flaky login test"})
	require.NoError(t, err)

	c := NewCoordinator(FuncExecutor(nil))
	tasks := []*AgentTask{{Type: "tester", Findings: []Finding{
		{Severity: "S1", Category: "test", Title: "fix flaky login test"},
		{Severity: "S1", Category: "test", Title: "add coverage for retry path"},
	}}}

	ids, err := c.SynthesizeInto(q, tasks, 3)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	item, ok := q.Get(ids[0])
	require.True(t, ok)
	assert.Equal(t, "add coverage for retry path", item.Title)
	assert.Equal(t, queue.S1, item.Priority)
	assert.Equal(t, 2, q.Len())

	ids, err = c.SynthesizeInto(q, tasks, 4)
	require.NoError(t, err)
	assert.Empty(t, ids, "second pass finds everything already open")
}
