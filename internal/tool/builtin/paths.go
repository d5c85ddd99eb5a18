// Package builtin holds the kernel's stock tools: file access inside
// the task's base directory and shell execution.
package builtin

import (
	"fmt"
	"path/filepath"
	"strings"
)

// resolveWithin turns a tool-supplied path into an absolute path and
// rejects anything that escapes baseDir. Relative paths resolve against
// baseDir; absolute paths must already be inside it.
func resolveWithin(baseDir, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if baseDir == "" {
		return "", fmt.Errorf("no base directory configured")
	}
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolve base dir: %w", err)
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(base, abs)
	}
	abs = filepath.Clean(abs)
	if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the working directory", path)
	}
	return abs, nil
}
