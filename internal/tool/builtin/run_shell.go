package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"seed/internal/tool"
)

const (
	shellDefaultTimeout = 120 * time.Second
	shellMaxTimeout     = 600 * time.Second
	shellMaxOutputBytes = 64 * 1024
)

type runShell struct{}

// NewRunShell returns the risky shell execution tool. Output beyond the
// inline limit is parked as an artifact instead of flooding the
// conversation.
func NewRunShell() tool.Tool {
	return &runShell{}
}

func (t *runShell) Name() string        { return "run_shell" }
func (t *runShell) Description() string { return "Run a shell command in the working directory" }
func (t *runShell) Group() string       { return "shell" }

func (t *runShell) RiskLevel() tool.RiskLevel { return tool.RiskRisky }

func (t *runShell) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to run"},
			"timeoutSeconds": {"type": "integer", "description": "Kill the command after this many seconds (default 120, max 600)"}
		},
		"required": ["command"]
	}`)
}

type runShellArgs struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

func (t *runShell) CanExecute(ctx context.Context, args json.RawMessage, tc *tool.Context) error {
	var a runShellArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(a.Command) == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}

func (t *runShell) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	var a runShellArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}
	if strings.TrimSpace(a.Command) == "" {
		return tool.Errorf("command is required"), nil
	}

	timeout := shellDefaultTimeout
	if a.TimeoutSeconds > 0 {
		timeout = time.Duration(a.TimeoutSeconds) * time.Second
		if timeout > shellMaxTimeout {
			timeout = shellMaxTimeout
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", a.Command)
	if tc.BaseDir != "" {
		cmd.Dir = tc.BaseDir
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	output := buf.String()

	if len(output) > shellMaxOutputBytes {
		inline := output[:shellMaxOutputBytes]
		note := fmt.Sprintf("\n... (%d more bytes truncated)", len(output)-shellMaxOutputBytes)
		if tc.Artifacts != nil {
			if art, err := tc.Artifacts.Save(tc.TaskID, "run_shell-output.txt", []byte(output)); err == nil {
				note = fmt.Sprintf("\n... (%d more bytes, full output saved as artifact %s)", len(output)-shellMaxOutputBytes, art.ID)
			}
		}
		output = inline + note
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return tool.Errorf("command timed out after %s\n%s", timeout, output), nil
	case ctx.Err() == context.Canceled:
		return tool.Errorf("command canceled\n%s", output), nil
	case runErr != nil:
		return &tool.Result{Output: fmt.Sprintf("%s\n(exit error: %v)", output, runErr), IsError: true}, nil
	}
	if output == "" {
		output = "(no output)"
	}
	return &tool.Result{Output: output}, nil
}
