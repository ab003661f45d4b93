package gates

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// PreflightGate checks that the working directory exists, a profile was
// resolved, and every blocking tool the profile names is installed.
type PreflightGate struct {
	lookPath func(string) (string, error)
}

// NewPreflightGate creates the gate.
func NewPreflightGate() *PreflightGate {
	return &PreflightGate{lookPath: exec.LookPath}
}

// Name returns the gate identifier.
func (g *PreflightGate) Name() string {
	return Preflight
}

// Evaluate runs the environment checks.
func (g *PreflightGate) Evaluate(_ context.Context, state RepoState) Result {
	info, err := os.Stat(state.Dir)
	if err != nil {
		return fail(Preflight, fmt.Sprintf("working directory: %v", err))
	}
	if !info.IsDir() {
		return fail(Preflight, fmt.Sprintf("working directory %s is not a directory", state.Dir))
	}
	if state.Profile.Name == "" {
		return fail(Preflight, "no project profile resolved")
	}

	var missing []string
	for name, cmd := range state.Profile.Gates {
		if len(cmd.Command) == 0 || !cmd.Blocking {
			continue
		}
		if _, err := g.lookPath(cmd.Command[0]); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s gate)", cmd.Command[0], name))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fail(Preflight, "tools not found: "+strings.Join(missing, ", "))
	}
	return pass(Preflight, "profile "+state.Profile.Name)
}
