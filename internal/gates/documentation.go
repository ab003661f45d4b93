package gates

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

var readmeNames = []string{"README.md", "README", "README.rst", "README.txt", "readme.md"}

// DocumentationGate requires a README and a CHANGELOG that keeps an
// Unreleased or versioned section.
type DocumentationGate struct{}

// NewDocumentationGate creates the gate.
func NewDocumentationGate() *DocumentationGate {
	return &DocumentationGate{}
}

// Name returns the gate identifier.
func (g *DocumentationGate) Name() string {
	return Documentation
}

// Evaluate checks the documentation files.
func (g *DocumentationGate) Evaluate(_ context.Context, state RepoState) Result {
	var problems []string

	if !anyExists(state.Dir, readmeNames) {
		problems = append(problems, "README is missing")
	}

	data, err := os.ReadFile(filepath.Join(state.Dir, "CHANGELOG.md"))
	switch {
	case err != nil:
		problems = append(problems, "CHANGELOG.md is missing")
	case !strings.Contains(string(data), "[Unreleased]") && !strings.Contains(string(data), "## ["):
		problems = append(problems, "CHANGELOG.md has no [Unreleased] or versioned section")
	}

	if len(problems) > 0 {
		return fail(Documentation, strings.Join(problems, "; "))
	}
	return pass(Documentation, "README and CHANGELOG present")
}

func anyExists(dir string, names []string) bool {
	for _, n := range names {
		if _, err := os.Stat(filepath.Join(dir, n)); err == nil {
			return true
		}
	}
	return false
}
