package state

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sentinel/internal/agents"
	"github.com/fyrsmithlabs/sentinel/internal/gates"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/recovery"
)

// Parts a state is split into. Each is stored and read independently, so
// one corrupted part does not lose the others.
const (
	partLoop   = "loop"
	partQueue  = "queue"
	partGates  = "gates"
	partErrors = "errors"
	partAgents = "agents"
)

var partNames = []string{partLoop, partQueue, partGates, partErrors, partAgents}

// encode splits s into its parts.
func encode(s *LoopState) (map[string][]byte, error) {
	core := *s
	core.WorkQueue = nil
	core.GateResults = nil
	core.Errors = nil
	core.Agents = nil

	values := map[string]any{
		partLoop:   core,
		partQueue:  nonNil(s.WorkQueue),
		partGates:  s.GateResults,
		partErrors: nonNil(s.Errors),
		partAgents: nonNil(s.Agents),
	}
	out := make(map[string][]byte, len(values))
	for name, v := range values {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

// decode assembles a state from its parts. A missing or corrupted part
// reads as empty and is logged.
func decode(parts map[string][]byte, logger *zap.Logger) *LoopState {
	var s LoopState
	decodePart(parts, partLoop, &s, logger)

	var items []queue.WorkItem
	decodePart(parts, partQueue, &items, logger)
	var results map[string]gates.Result
	decodePart(parts, partGates, &results, logger)
	var errs []recovery.ErrorRecord
	decodePart(parts, partErrors, &errs, logger)
	var tasks []agents.AgentTask
	decodePart(parts, partAgents, &tasks, logger)

	s.WorkQueue = items
	s.GateResults = results
	if s.GateResults == nil {
		s.GateResults = make(map[string]gates.Result)
	}
	s.Errors = errs
	s.Agents = tasks
	return &s
}

func decodePart[T any](parts map[string][]byte, name string, dst *T, logger *zap.Logger) {
	data, ok := parts[name]
	if !ok {
		return
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		logger.Warn("corrupted state part, reading as empty", zap.String("part", name), zap.Error(err))
		return
	}
	*dst = v
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
