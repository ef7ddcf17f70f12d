// Package file implements the read_file and write_file tools. Both resolve
// paths inside the calling project's workspace directory, taken from the
// tool scope on the context; paths that escape it are rejected before
// touching the filesystem.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"waveline.dev/waveline/runtime/tools"
)

// maxReadBytes bounds file reads so a tool call cannot flood the model
// context with a huge file.
const maxReadBytes = 256 * 1024

var (
	// ErrOutsideSandbox marks a path that resolves outside the project
	// workspace.
	ErrOutsideSandbox = errors.New("file: path escapes project workspace")
	// ErrNoWorkspace marks a call whose context carries no project scope,
	// so there is no workspace to confine the path to.
	ErrNoWorkspace = errors.New("file: no project workspace in scope")
)

type (
	// ReadTool reads files under the calling project's workspace.
	ReadTool struct{}

	// WriteTool writes files under the calling project's workspace,
	// creating parent directories as needed.
	WriteTool struct{}
)

// NewReadTool constructs the read_file tool.
func NewReadTool() *ReadTool { return &ReadTool{} }

// NewWriteTool constructs the write_file tool.
func NewWriteTool() *WriteTool { return &WriteTool{} }

// workspace returns the calling project's sandbox root from the context.
func workspace(ctx context.Context) (string, error) {
	sc, ok := tools.ScopeFrom(ctx)
	if !ok || sc.WorkspaceDir == "" {
		return "", ErrNoWorkspace
	}
	abs, err := filepath.Abs(sc.WorkspaceDir)
	if err != nil {
		return "", fmt.Errorf("file: resolve workspace for project %s: %w", sc.ProjectID, err)
	}
	return abs, nil
}

// resolve joins a relative tool path onto the workspace root and rejects
// anything that escapes it after cleaning.
func resolve(root, p string) (string, error) {
	if p == "" {
		return "", errors.New("file: path is required")
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("%w: %s", ErrOutsideSandbox, p)
	}
	full := filepath.Clean(filepath.Join(root, p))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideSandbox, p)
	}
	return full, nil
}

func (t *ReadTool) Name() string { return "read_file" }

func (t *ReadTool) Description() string {
	return "Read a text file from the project workspace. The path is relative to the workspace root."
}

func (t *ReadTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative path of the file to read.",
			},
		},
		"required":             []any{"path"},
		"additionalProperties": false,
	}
}

func (t *ReadTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	root, err := workspace(ctx)
	if err != nil {
		return "", err
	}
	p, _ := input["path"].(string)
	full, err := resolve(root, p)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("file: read %s: %w", p, err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

func (t *WriteTool) Name() string { return "write_file" }

func (t *WriteTool) Description() string {
	return "Write a text file into the project workspace, creating parent directories. The path is relative to the workspace root."
}

func (t *WriteTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative path of the file to write.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content.",
			},
		},
		"required":             []any{"path", "content"},
		"additionalProperties": false,
	}
}

func (t *WriteTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	root, err := workspace(ctx)
	if err != nil {
		return "", err
	}
	p, _ := input["path"].(string)
	content, _ := input["content"].(string)
	full, err := resolve(root, p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("file: create directories for %s: %w", p, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("file: write %s: %w", p, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), p), nil
}
