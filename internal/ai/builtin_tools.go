package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RegisterBuiltinTools wires the file tools and save_memory into the
// registry. memoryFile receives appended facts; empty disables save_memory
// persistence (the tool still succeeds so the refresh path stays testable).
func RegisterBuiltinTools(registry *ToolRegistry, root string, memoryFile string) error {
	if registry == nil {
		return errors.New("nil tool registry")
	}
	root = strings.TrimSpace(root)

	tools := []struct {
		def     ToolDef
		handler ToolHandler
	}{
		{
			def: ToolDef{
				Name:         "read_file",
				Description:  "Read a file from the workspace.",
				InputSchema:  json.RawMessage(`{"type":"object","properties":{"file_path":{"type":"string"}},"required":["file_path"]}`),
				ParallelSafe: true,
			},
			handler: &readFileTool{root: root},
		},
		{
			def: ToolDef{
				Name:        "write_file",
				Description: "Create or overwrite a file in the workspace.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"file_path":{"type":"string"},"content":{"type":"string"}},"required":["file_path","content"]}`),
				Mutating:    true,
			},
			handler: &writeFileTool{root: root},
		},
		{
			def: ToolDef{
				Name:        "edit",
				Description: "Replace an exact string in a file.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"file_path":{"type":"string"},"old_string":{"type":"string"},"new_string":{"type":"string"}},"required":["file_path","old_string","new_string"]}`),
				Mutating:    true,
			},
			handler: &editFileTool{root: root},
		},
		{
			def: ToolDef{
				Name:         "save_memory",
				Description:  "Persist a fact for future sessions.",
				InputSchema:  json.RawMessage(`{"type":"object","properties":{"fact":{"type":"string"}},"required":["fact"]}`),
				ParallelSafe: true,
			},
			handler: &saveMemoryTool{file: strings.TrimSpace(memoryFile)},
		},
	}
	for _, t := range tools {
		if err := registry.Register(t.def, t.handler); err != nil {
			return err
		}
	}
	return nil
}

func resolveWorkspacePath(root string, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing file_path")
	}
	path := raw
	if !filepath.IsAbs(path) {
		if root == "" {
			return "", fmt.Errorf("relative path %q without a workspace root", raw)
		}
		path = filepath.Join(root, path)
	}
	return filepath.Clean(path), nil
}

type readFileTool struct{ root string }

func (t *readFileTool) Validate(_ context.Context, call ToolCallRequestInfo) error {
	_, err := resolveWorkspacePath(t.root, stringArg(call.Args, "file_path"))
	return err
}

func (t *readFileTool) Execute(_ context.Context, call ToolCallRequestInfo) (map[string]any, error) {
	path, err := resolveWorkspacePath(t.root, stringArg(call.Args, "file_path"))
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"output": string(b)}, nil
}

type writeFileTool struct{ root string }

func (t *writeFileTool) Validate(_ context.Context, call ToolCallRequestInfo) error {
	_, err := resolveWorkspacePath(t.root, stringArg(call.Args, "file_path"))
	return err
}

func (t *writeFileTool) Execute(_ context.Context, call ToolCallRequestInfo) (map[string]any, error) {
	path, err := resolveWorkspacePath(t.root, stringArg(call.Args, "file_path"))
	if err != nil {
		return nil, err
	}
	content := stringArg(call.Args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"output": fmt.Sprintf("Wrote %d bytes to %s.", len(content), path)}, nil
}

type editFileTool struct{ root string }

func (t *editFileTool) Validate(_ context.Context, call ToolCallRequestInfo) error {
	if _, err := resolveWorkspacePath(t.root, stringArg(call.Args, "file_path")); err != nil {
		return err
	}
	if stringArg(call.Args, "old_string") == "" {
		return errors.New("missing old_string")
	}
	return nil
}

func (t *editFileTool) Execute(_ context.Context, call ToolCallRequestInfo) (map[string]any, error) {
	path, err := resolveWorkspacePath(t.root, stringArg(call.Args, "file_path"))
	if err != nil {
		return nil, err
	}
	oldStr := stringArg(call.Args, "old_string")
	newStr := stringArg(call.Args, "new_string")
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	content := string(b)
	count := strings.Count(content, oldStr)
	if count == 0 {
		return nil, fmt.Errorf("old_string not found in %s", path)
	}
	if count > 1 {
		return nil, fmt.Errorf("old_string matches %d locations in %s; make it unique", count, path)
	}
	content = strings.Replace(content, oldStr, newStr, 1)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"output": fmt.Sprintf("Edited %s.", path)}, nil
}

type saveMemoryTool struct{ file string }

func (t *saveMemoryTool) Validate(_ context.Context, call ToolCallRequestInfo) error {
	if strings.TrimSpace(stringArg(call.Args, "fact")) == "" {
		return errors.New("missing fact")
	}
	return nil
}

func (t *saveMemoryTool) Execute(_ context.Context, call ToolCallRequestInfo) (map[string]any, error) {
	fact := strings.TrimSpace(stringArg(call.Args, "fact"))
	if t.file != "" {
		if err := os.MkdirAll(filepath.Dir(t.file), 0o700); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(t.file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if _, err := fmt.Fprintf(f, "- %s\n", fact); err != nil {
			return nil, err
		}
	}
	return map[string]any{"output": "Saved."}, nil
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, _ := args[key].(string)
	return v
}
