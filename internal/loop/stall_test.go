package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/sentinel/internal/state"
)

func cov(v float64) *float64 { return &v }

func summary(iter, open int, failed ...string) state.IterationSummary {
	return state.IterationSummary{
		Iteration:    iter,
		OpenItems:    open,
		FailedGates:  failed,
		GatesPassing: len(failed) == 0,
	}
}

func TestDetectStall(t *testing.T) {
	policy := DefaultStallPolicy()

	tests := []struct {
		name    string
		history []state.IterationSummary
		want    StallKind
		gate    string
	}{
		{"empty history", nil, StallNone, ""},
		{
			"same gate three times",
			[]state.IterationSummary{summary(1, 3, "lint"), summary(2, 2, "lint", "test"), summary(3, 1, "lint")},
			StallGate, "lint",
		},
		{
			"gate recovered in between",
			[]state.IterationSummary{summary(1, 3, "lint"), summary(2, 2), summary(3, 1, "lint")},
			StallNone, "",
		},
		{
			"two failures are not enough",
			[]state.IterationSummary{summary(1, 3, "lint"), summary(2, 2, "lint")},
			StallNone, "",
		},
		{
			"queue flat for two iterations",
			[]state.IterationSummary{summary(1, 4, "test"), summary(2, 4), summary(3, 5, "docs")},
			StallNoProgress, "",
		},
		{
			"queue shrinking",
			[]state.IterationSummary{summary(1, 4, "test"), summary(2, 4), summary(3, 3, "docs")},
			StallNone, "",
		},
		{
			"clean latest iteration",
			[]state.IterationSummary{summary(1, 0), summary(2, 0), summary(3, 0)},
			StallNone, "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectStall(tt.history, policy)
			assert.Equal(t, tt.want, got.Kind)
			assert.Equal(t, tt.gate, got.Gate)
			assert.Equal(t, tt.want != StallNone, got.Stalled())
			if got.Stalled() {
				assert.NotEmpty(t, got.Reason)
				assert.NotEmpty(t, got.Evidence)
			}
		})
	}
}

func TestDetectStall_CoverageCountsAsProgress(t *testing.T) {
	h := []state.IterationSummary{summary(1, 2, "test"), summary(2, 2, "test"), summary(3, 2, "test")}
	h[0].Coverage, h[1].Coverage, h[2].Coverage = cov(60), cov(64), cov(64)

	got := DetectStall(h, StallPolicy{NoProgressWindow: 2})
	assert.False(t, got.Stalled())

	h[0].Coverage = cov(64)
	got = DetectStall(h, StallPolicy{NoProgressWindow: 2})
	assert.Equal(t, StallNoProgress, got.Kind)
}

func TestDetectStall_DisabledPolicy(t *testing.T) {
	h := []state.IterationSummary{summary(1, 2, "lint"), summary(2, 2, "lint"), summary(3, 2, "lint")}
	assert.False(t, DetectStall(h, StallPolicy{}).Stalled())
}

func TestDetectStall_DoesNotMutateHistory(t *testing.T) {
	h := []state.IterationSummary{summary(1, 3, "lint"), summary(2, 3, "lint"), summary(3, 3, "lint")}
	before := append([]state.IterationSummary(nil), h...)
	DetectStall(h, DefaultStallPolicy())
	assert.Equal(t, before, h)
}

func TestSincePivot(t *testing.T) {
	h := []state.IterationSummary{summary(1, 1), summary(2, 1), summary(3, 1), summary(4, 1)}
	assert.Len(t, SincePivot(h), 4)

	h[1].Stalled = true
	got := SincePivot(h)
	assert.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Iteration)

	h[3].Stalled = true
	assert.Empty(t, SincePivot(h))
}
