package gates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

// maxOutput bounds the tail of tool output kept on a Result.
const maxOutput = 16 * 1024

// defaultTimeout applies when neither the profile nor config sets one.
const defaultTimeout = 5 * time.Minute

// CommandGate runs an external tool from the profile. Exit status 0 passes;
// any other exit fails a blocking gate and warns on a non-blocking one. A
// timeout always fails.
type CommandGate struct {
	name string
}

// NewCommandGate creates a gate that runs the profile's command for name.
func NewCommandGate(name string) *CommandGate {
	return &CommandGate{name: name}
}

// Name returns the gate identifier.
func (g *CommandGate) Name() string {
	return g.name
}

// Evaluate runs the command in the repository directory.
func (g *CommandGate) Evaluate(ctx context.Context, state RepoState) Result {
	cmd, ok := state.Profile.Command(g.name)
	if !ok {
		return pass(g.name, DetailSkipped)
	}
	run := runCommand(ctx, state.Dir, cmd)
	return run.result(g.name, cmd)
}

// commandRun is the outcome of one tool invocation.
type commandRun struct {
	output   string
	exitCode int
	duration time.Duration
	timedOut bool
	err      error
}

func runCommand(ctx context.Context, dir string, gc GateCommand) commandRun {
	timeout := gc.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, gc.Command[0], gc.Command[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	run := commandRun{
		output:   tail(buf.String(), maxOutput),
		duration: time.Since(start),
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		run.timedOut = true
		run.exitCode = -1
		run.err = fmt.Errorf("timed out after %s", timeout)
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			run.exitCode = exitErr.ExitCode()
		} else {
			run.exitCode = -1
			run.err = err
		}
	}
	return run
}

func (r commandRun) result(name string, gc GateCommand) Result {
	res := Result{
		Name:     name,
		Command:  gc.Command,
		Output:   r.output,
		Duration: r.duration,
		Blocking: gc.Blocking,
	}
	switch {
	case r.timedOut:
		res.Status = StatusFail
		res.Detail = fmt.Sprintf("%s: %v", strings.Join(gc.Command, " "), r.err)
	case r.err != nil:
		res.Status = StatusFail
		res.Detail = fmt.Sprintf("could not run %s: %v", gc.Command[0], r.err)
		res.Error = res.Detail
	case r.exitCode != 0:
		res.Status = StatusFail
		if !gc.Blocking {
			res.Status = StatusWarn
		}
		res.Detail = fmt.Sprintf("%s exited with status %d", strings.Join(gc.Command, " "), r.exitCode)
		if line := firstProblem(r.output); line != "" {
			res.Detail += ": " + line
		}
	default:
		res.Status = StatusPass
	}
	return res
}

// firstProblem returns the first non-empty output line, trimmed.
const maxProblemLen = 200

func firstProblem(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			if len(line) > maxProblemLen {
				line = headRunes(line, maxProblemLen) + "..."
			}
			return line
		}
	}
	return ""
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "...[truncated]\n" + s[i:]
}

// headRunes returns at most n bytes of s, ending on a rune boundary.
func headRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
