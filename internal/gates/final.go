package gates

import (
	"context"
	"fmt"
	"strings"
)

// FinalVerifierGate passes only when every gate that ran before it in the
// same cascade run is passing.
type FinalVerifierGate struct{}

// NewFinalVerifierGate creates the gate.
func NewFinalVerifierGate() *FinalVerifierGate {
	return &FinalVerifierGate{}
}

// Name returns the gate identifier.
func (g *FinalVerifierGate) Name() string {
	return FinalVerifier
}

// Evaluate inspects the earlier results.
func (g *FinalVerifierGate) Evaluate(_ context.Context, state RepoState) Result {
	var failed []string
	for _, r := range state.Prior {
		if !r.Status.Passing() {
			failed = append(failed, r.Name)
		}
	}
	if len(failed) > 0 {
		return fail(FinalVerifier, fmt.Sprintf("%d earlier gate(s) failing: %s", len(failed), strings.Join(failed, ", ")))
	}
	return pass(FinalVerifier, fmt.Sprintf("all %d gates passing", len(state.Prior)))
}
