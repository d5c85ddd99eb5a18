package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sergi/go-diff/diffmatchpatch"

	"seed/internal/event"
	"seed/internal/tool"
)

const writePreviewMaxBytes = 8 * 1024

type writeFile struct{}

// NewWriteFile returns the risky file writing tool. Its confirmation
// prompt previews the change as a diff against the current content.
func NewWriteFile() tool.Tool {
	return &writeFile{}
}

func (t *writeFile) Name() string        { return "write_file" }
func (t *writeFile) Description() string { return "Create or overwrite a file inside the working directory" }
func (t *writeFile) Group() string       { return "files" }

func (t *writeFile) RiskLevel() tool.RiskLevel { return tool.RiskRisky }

func (t *writeFile) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path, relative to the working directory"},
			"content": {"type": "string", "description": "Full new file content"}
		},
		"required": ["path", "content"]
	}`)
}

type writeFileArgs struct {
	Path    string  `json:"path"`
	Content *string `json:"content"`
}

func (a *writeFileArgs) validate() error {
	if a.Content == nil {
		return fmt.Errorf("content is required")
	}
	return nil
}

func (t *writeFile) CanExecute(ctx context.Context, args json.RawMessage, tc *tool.Context) error {
	var a writeFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := a.validate(); err != nil {
		return err
	}
	_, err := resolveWithin(tc.BaseDir, a.Path)
	return err
}

// ConfirmPreview renders the pending write as a unified diff so the
// user approves the actual change, not a description of it.
func (t *writeFile) ConfirmPreview(ctx context.Context, args json.RawMessage, tc *tool.Context) (*event.InteractionDisplay, error) {
	var a writeFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	abs, err := resolveWithin(tc.BaseDir, a.Path)
	if err != nil {
		return nil, err
	}

	oldContent := ""
	if data, err := os.ReadFile(abs); err == nil {
		oldContent = string(data)
	}

	body := renderDiff(oldContent, *a.Content)
	title := fmt.Sprintf("Write %s", a.Path)
	if oldContent == "" {
		title = fmt.Sprintf("Create %s", a.Path)
	}
	return &event.InteractionDisplay{
		Title:       title,
		Body:        body,
		ContentKind: event.ContentKindDiff,
	}, nil
}

func renderDiff(oldContent, newContent string) string {
	if oldContent == newContent {
		return "(no changes)"
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldContent, newContent, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	patches := dmp.PatchMake(oldContent, diffs)
	text := dmp.PatchToText(patches)
	if len(text) > writePreviewMaxBytes {
		text = text[:writePreviewMaxBytes] + "\n... (diff truncated)"
	}
	return text
}

func (t *writeFile) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	var a writeFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}
	if err := a.validate(); err != nil {
		return tool.Errorf("%v", err), nil
	}
	abs, err := resolveWithin(tc.BaseDir, a.Path)
	if err != nil {
		return tool.Errorf("%v", err), nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return tool.Errorf("create parent directory: %v", err), nil
	}
	if err := os.WriteFile(abs, []byte(*a.Content), 0o644); err != nil {
		return tool.Errorf("write %s: %v", a.Path, err), nil
	}
	return &tool.Result{Output: fmt.Sprintf("Wrote %d bytes to %s", len(*a.Content), a.Path)}, nil
}
