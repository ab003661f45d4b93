package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/sentinel/internal/queue"
)

func TestNextStrategy(t *testing.T) {
	assert.Equal(t, StrategyDelegateSpecialist, nextStrategy(DefaultStrategies, []string{StrategyRetryDirect}))
	assert.Equal(t, StrategyRetryDirect, nextStrategy(DefaultStrategies, nil))
	assert.Empty(t, nextStrategy(DefaultStrategies, DefaultStrategies))
}

func TestAgentType(t *testing.T) {
	tests := []struct {
		source   string
		strategy string
		want     string
	}{
		{queue.SourceAssess, StrategyRetryDirect, "builder"},
		{queue.SourceAssess, "", "builder"},
		{queue.GateSource("lint"), StrategyDelegateSpecialist, "lint-specialist"},
		{"recovery:network", StrategyDelegateSpecialist, "recovery-specialist"},
		{"agent:security-reviewer", StrategyDelegateSpecialist, "security-reviewer"},
		{queue.SourceOperator, StrategyDelegateSpecialist, "specialist"},
		{queue.GateSource("test"), StrategyDecompose, "planner"},
		{queue.SourceAssess, "pair-review", "pair-review"},
	}
	for _, tt := range tests {
		t.Run(tt.source+"/"+tt.strategy, func(t *testing.T) {
			assert.Equal(t, tt.want, agentType(queue.WorkItem{Source: tt.source}, tt.strategy))
		})
	}
}

func TestInstruction(t *testing.T) {
	item := queue.WorkItem{Priority: queue.S1, Title: "Fix lint gate failures", Description: "2 errors"}

	got := instruction("ship the feature", item, StrategyDecompose)
	assert.Contains(t, got, "[S1] Fix lint gate failures")
	assert.Contains(t, got, "2 errors")
	assert.Contains(t, got, "Overall task: ship the feature")
	assert.Contains(t, got, "smaller independent work items")

	assert.NotContains(t, instruction("", item, StrategyRetryDirect), "Earlier attempts")
}
