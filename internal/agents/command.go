package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// maxStderr bounds the stderr kept in an execution error.
const maxStderr = 2048

// CommandExecutor runs an external agent command. The task spec is written
// to stdin as JSON; stdout must carry a JSON report:
//
//	{"summary": "...", "findings": [{"severity": "S1", "category": "lint", "title": "..."}]}
//
// A bare JSON array of findings is also accepted.
type CommandExecutor struct {
	Command []string
	Dir     string
	Env     []string
}

// NewCommandExecutor creates an executor for argv, run in dir.
func NewCommandExecutor(argv []string, dir string) *CommandExecutor {
	return &CommandExecutor{Command: argv, Dir: dir}
}

type report struct {
	Summary  string    `json:"summary"`
	Findings []Finding `json:"findings"`
}

// Execute runs the command once.
func (e *CommandExecutor) Execute(ctx context.Context, spec TaskSpec) (*AgentTask, error) {
	if len(e.Command) == 0 {
		return nil, errors.New("agent command not configured")
	}
	input, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encoding task: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		"SENTINEL_TASK_ID="+spec.ID,
		"SENTINEL_TASK_TYPE="+spec.Type,
		"SENTINEL_ITEM_ID="+spec.ItemID,
	)
	cmd.WaitDelay = 5 * time.Second
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent %s: %w", spec.Type, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderr {
			msg = msg[len(msg)-maxStderr:]
		}
		return nil, fmt.Errorf("agent %s: %w: %s", spec.Type, err, msg)
	}

	rep, err := parseReport(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", spec.Type, err)
	}
	return &AgentTask{Summary: rep.Summary, Findings: rep.Findings}, nil
}

func parseReport(out []byte) (report, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return report{}, nil
	}
	var rep report
	if out[0] == '[' {
		if err := json.Unmarshal(out, &rep.Findings); err != nil {
			return report{}, fmt.Errorf("parsing findings: %w", err)
		}
		return rep, nil
	}
	if err := json.Unmarshal(out, &rep); err != nil {
		return report{}, fmt.Errorf("parsing report: %w", err)
	}
	return rep, nil
}
