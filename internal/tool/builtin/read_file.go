package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"seed/internal/tool"
)

const readFileMaxBytes = 256 * 1024

type readFile struct{}

// NewReadFile returns the safe file reading tool.
func NewReadFile() tool.Tool {
	return &readFile{}
}

func (t *readFile) Name() string        { return "read_file" }
func (t *readFile) Description() string { return "Read a file inside the working directory" }
func (t *readFile) Group() string       { return "files" }

func (t *readFile) RiskLevel() tool.RiskLevel { return tool.RiskSafe }

func (t *readFile) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path, relative to the working directory"}
		},
		"required": ["path"]
	}`)
}

type readFileArgs struct {
	Path string `json:"path"`
}

func (t *readFile) CanExecute(ctx context.Context, args json.RawMessage, tc *tool.Context) error {
	var a readFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	_, err := resolveWithin(tc.BaseDir, a.Path)
	return err
}

func (t *readFile) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	var a readFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}
	abs, err := resolveWithin(tc.BaseDir, a.Path)
	if err != nil {
		return tool.Errorf("%v", err), nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return tool.Errorf("read %s: %v", a.Path, err), nil
	}
	content := string(data)
	if len(content) > readFileMaxBytes {
		content = content[:readFileMaxBytes] + fmt.Sprintf("\n... (%d more bytes truncated)", len(data)-readFileMaxBytes)
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return &tool.Result{Output: content}, nil
}
