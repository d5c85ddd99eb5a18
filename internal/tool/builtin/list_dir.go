package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"seed/internal/tool"
)

type listDir struct{}

// NewListDir returns the safe directory listing tool.
func NewListDir() tool.Tool {
	return &listDir{}
}

func (t *listDir) Name() string        { return "list_dir" }
func (t *listDir) Description() string { return "List directory entries inside the working directory" }
func (t *listDir) Group() string       { return "files" }

func (t *listDir) RiskLevel() tool.RiskLevel { return tool.RiskSafe }

func (t *listDir) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory to list, relative to the working directory (default .)"}
		}
	}`)
}

type listDirArgs struct {
	Path string `json:"path"`
}

func (t *listDir) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	var a listDirArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return tool.Errorf("invalid arguments: %v", err), nil
		}
	}
	if a.Path == "" {
		a.Path = "."
	}
	abs, err := resolveWithin(tc.BaseDir, a.Path)
	if err != nil {
		return tool.Errorf("%v", err), nil
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return tool.Errorf("list %s: %v", a.Path, err), nil
	}

	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			fmt.Fprintf(&b, "%s\n", e.Name())
			continue
		}
		fmt.Fprintf(&b, "%s\t%d\n", e.Name(), info.Size())
	}
	if b.Len() == 0 {
		return &tool.Result{Output: "(empty directory)"}, nil
	}
	return &tool.Result{Output: b.String()}, nil
}
