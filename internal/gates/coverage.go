package gates

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// DefaultCoverageThreshold is the minimum coverage percentage.
const DefaultCoverageThreshold = 80.0

var (
	// go test -cover: "coverage: 81.2% of statements", one per package.
	goCoverage = regexp.MustCompile(`coverage:\s+(\d+(?:\.\d+)?)%`)
	// pytest-cov: "TOTAL    120    12    90%"
	pyCoverage = regexp.MustCompile(`(?m)^TOTAL\s+.*?(\d+(?:\.\d+)?)%\s*$`)
	// istanbul/jest: "All files |   85.71 |   ..."
	jsCoverage = regexp.MustCompile(`All files\s*\|\s*(\d+(?:\.\d+)?)`)
)

// ParseCoverage extracts a coverage percentage from test output. Per-package
// Go figures are averaged.
func ParseCoverage(output string) (float64, bool) {
	for _, re := range []*regexp.Regexp{pyCoverage, jsCoverage} {
		if m := re.FindStringSubmatch(output); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				return v, true
			}
		}
	}
	matches := goCoverage.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return 0, false
	}
	var sum float64
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		sum += v
	}
	return sum / float64(len(matches)), true
}

// CoverageGate runs the unit test command and enforces a coverage
// threshold. A test failure is reported under the test severity; passing
// tests with low coverage are reported under the coverage severity.
type CoverageGate struct {
	threshold float64
}

// NewCoverageGate creates the test gate. A non-positive threshold disables
// the coverage check.
func NewCoverageGate(threshold float64) *CoverageGate {
	return &CoverageGate{threshold: threshold}
}

// Name returns the gate identifier.
func (g *CoverageGate) Name() string {
	return Test
}

// Evaluate runs the tests and checks coverage.
func (g *CoverageGate) Evaluate(ctx context.Context, state RepoState) Result {
	cmd, ok := state.Profile.Command(Test)
	if !ok {
		return pass(Test, DetailSkipped)
	}
	run := runCommand(ctx, state.Dir, cmd)
	res := run.result(Test, cmd)
	if res.Status != StatusPass || g.threshold <= 0 {
		return res
	}

	pct, found := ParseCoverage(run.output)
	if !found {
		res.Status = StatusWarn
		res.Detail = "tests passed; coverage not reported"
		return res
	}
	res.Coverage = &pct
	if pct < g.threshold {
		res.Status = StatusFail
		res.Class = Coverage
		res.Detail = fmt.Sprintf("coverage %.1f%% is below the %.1f%% threshold", pct, g.threshold)
		return res
	}
	res.Detail = fmt.Sprintf("coverage %.1f%%", pct)
	return res
}
