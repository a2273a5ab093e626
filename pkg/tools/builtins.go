package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Awfp1314/ue-toolkits-assistant/pkg/memory"
)

const maxReadBytes = 256 * 1024

// workspaceFS resolves tool paths, optionally confining them to the
// workspace root.
type workspaceFS struct {
	root     string
	restrict bool
}

func (w workspaceFS) resolve(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("path is empty")
	}

	path := raw
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.root, path)
	}
	path = filepath.Clean(path)

	if w.restrict {
		rel, err := filepath.Rel(w.root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %q is outside the workspace", raw)
		}
	}
	return path, nil
}

// ReadFileTool reads a file inside the workspace.
type ReadFileTool struct {
	fs workspaceFS
}

func NewReadFileTool(root string, restrict bool) *ReadFileTool {
	return &ReadFileTool{fs: workspaceFS{root: root, restrict: restrict}}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file in the workspace" }
func (t *ReadFileTool) Permission() Permission {
	return PermissionRead
}

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return ObjectSchema(map[string]interface{}{
		"path": StringProperty("Path of the file, relative to the workspace root"),
	}, "path")
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	raw, _ := args["path"].(string)
	path, err := t.fs.resolve(raw)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("cannot read %s: %v", raw, err)).WithError(err)
	}
	if info.IsDir() {
		return ErrorResult(fmt.Sprintf("%s is a directory, use list_dir", raw))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("cannot read %s: %v", raw, err)).WithError(err)
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		return SuccessResult(string(data) + "\n...(truncated)")
	}
	return SuccessResult(string(data))
}

// ListDirTool lists a workspace directory.
type ListDirTool struct {
	fs workspaceFS
}

func NewListDirTool(root string, restrict bool) *ListDirTool {
	return &ListDirTool{fs: workspaceFS{root: root, restrict: restrict}}
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the entries of a workspace directory" }
func (t *ListDirTool) Permission() Permission {
	return PermissionRead
}

func (t *ListDirTool) Parameters() map[string]interface{} {
	return ObjectSchema(map[string]interface{}{
		"path": StringProperty("Directory to list, relative to the workspace root; defaults to the root"),
	})
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	raw, _ := args["path"].(string)
	if strings.TrimSpace(raw) == "" {
		raw = "."
	}
	path, err := t.fs.resolve(raw)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("cannot list %s: %v", raw, err)).WithError(err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return SuccessResult("(empty directory)")
	}
	return SuccessResult(strings.Join(names, "\n"))
}

// WriteFileTool writes a file inside the workspace. WRITE permission:
// the registry confirms before this ever executes.
type WriteFileTool struct {
	fs workspaceFS
}

func NewWriteFileTool(root string, restrict bool) *WriteFileTool {
	return &WriteFileTool{fs: workspaceFS{root: root, restrict: restrict}}
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file in the workspace" }
func (t *WriteFileTool) Permission() Permission {
	return PermissionWrite
}

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return ObjectSchema(map[string]interface{}{
		"path":    StringProperty("Path of the file, relative to the workspace root"),
		"content": StringProperty("Full content to write"),
	}, "path", "content")
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	raw, _ := args["path"].(string)
	content, _ := args["content"].(string)

	path, err := t.fs.resolve(raw)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ErrorResult(fmt.Sprintf("cannot create directory for %s: %v", raw, err)).WithError(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return ErrorResult(fmt.Sprintf("cannot write %s: %v", raw, err)).WithError(err)
	}
	return SuccessResult(fmt.Sprintf("wrote %d bytes to %s", len(content), raw))
}

// RememberTool stores an explicit fact in the durable user tier.
type RememberTool struct {
	mem *memory.Service
}

func NewRememberTool(mem *memory.Service) *RememberTool {
	return &RememberTool{mem: mem}
}

func (t *RememberTool) Name() string { return "remember" }
func (t *RememberTool) Description() string {
	return "Save a fact or preference the user asked to remember"
}
func (t *RememberTool) Permission() Permission {
	return PermissionWrite
}

func (t *RememberTool) Parameters() map[string]interface{} {
	return ObjectSchema(map[string]interface{}{
		"text": StringProperty("The fact or preference to remember, phrased as a standalone statement"),
	}, "text")
}

func (t *RememberTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	text, _ := args["text"].(string)
	id, err := t.mem.Add(ctx, memory.TierUser, memory.KindFact, "", text, map[string]string{
		"source": "remember_tool",
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("cannot save memory: %v", err)).WithError(err)
	}
	return SuccessResult(fmt.Sprintf("remembered (id %s)", id))
}
