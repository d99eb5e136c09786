package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/forgeline/agentrt/sessionrt"
)

// builtinTools returns the file and command tool catalog the CLI exposes to
// sessions. Handlers root every path at the session's work dir.
func builtinTools() (*sessionrt.ToolRegistry, map[string]sessionrt.ToolHandler) {
	r := sessionrt.NewToolRegistry()

	r.Register(sessionrt.ToolSpec{
		Name:        "read_file",
		Description: "Read a file's contents.",
		Parameters:  pathParams("Path of the file to read"),
	})
	r.Register(sessionrt.ToolSpec{
		Name:        "list_files",
		Description: "List files under a directory.",
		Parameters:  pathParams("Directory to list"),
	})
	r.Register(sessionrt.ToolSpec{
		Name:        "search_files",
		Description: "Search files for a substring.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Substring to search for"},
				"path":  map[string]any{"type": "string", "description": "Directory to search (default .)"},
			},
			"required": []string{"query"},
		},
	})
	r.Register(sessionrt.ToolSpec{
		Name:        "write_file",
		Description: "Create or overwrite a file.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Path of the file to write"},
				"content": map[string]any{"type": "string", "description": "Full file contents"},
			},
			"required": []string{"path", "content"},
		},
		Mutating: true,
		Action:   sessionrt.ActionModify,
	})
	r.Register(sessionrt.ToolSpec{
		Name:        "delete_file",
		Description: "Delete a file.",
		Parameters:  pathParams("Path of the file to delete"),
		Mutating:    true,
		Action:      sessionrt.ActionDelete,
	})
	r.Register(sessionrt.ToolSpec{
		Name:        "run_command",
		Description: "Run a shell command in the working directory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "Command line to run"},
			},
			"required": []string{"command"},
		},
		Sensitive: true,
	})

	handlers := map[string]sessionrt.ToolHandler{
		"read_file":    readFileHandler,
		"list_files":   listFilesHandler,
		"search_files": searchFilesHandler,
		"write_file":   writeFileHandler,
		"delete_file":  deleteFileHandler,
		"run_command":  runCommandHandler,
	}
	return r, handlers
}

func pathParams(desc string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": desc},
		},
		"required": []string{"path"},
	}
}

// resolve joins a tool path argument against the session work dir and rejects
// escapes above it.
func resolve(ec sessionrt.ExecContext, p string) (string, error) {
	root := ec.WorkDir
	if root == "" {
		root = "."
	}
	full := filepath.Join(root, filepath.FromSlash(p))
	rel, err := filepath.Rel(root, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s escapes the working directory", p)
	}
	return full, nil
}

func readFileHandler(_ context.Context, args map[string]any, ec sessionrt.ExecContext) (*sessionrt.ToolResult, error) {
	p, ok := sessionrt.GetStringArg(args, "path")
	if !ok {
		return nil, fmt.Errorf("path is required")
	}
	full, err := resolve(ec, p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	return &sessionrt.ToolResult{Success: true, Data: string(data)}, nil
}

func listFilesHandler(_ context.Context, args map[string]any, ec sessionrt.ExecContext) (*sessionrt.ToolResult, error) {
	p, ok := sessionrt.GetStringArg(args, "path")
	if !ok {
		p = "."
	}
	full, err := resolve(ec, p)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return &sessionrt.ToolResult{Success: true, Data: strings.Join(names, "\n")}, nil
}

func searchFilesHandler(_ context.Context, args map[string]any, ec sessionrt.ExecContext) (*sessionrt.ToolResult, error) {
	query, ok := sessionrt.GetStringArg(args, "query")
	if !ok || query == "" {
		return nil, fmt.Errorf("query is required")
	}
	p, ok := sessionrt.GetStringArg(args, "path")
	if !ok {
		p = "."
	}
	root, err := resolve(ec, p)
	if err != nil {
		return nil, err
	}

	var hits []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, query) {
				hits = append(hits, fmt.Sprintf("%s:%d: %s", path, i+1, strings.TrimSpace(line)))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return &sessionrt.ToolResult{Success: true, Data: "no matches"}, nil
	}
	return &sessionrt.ToolResult{Success: true, Data: strings.Join(hits, "\n")}, nil
}

func writeFileHandler(_ context.Context, args map[string]any, ec sessionrt.ExecContext) (*sessionrt.ToolResult, error) {
	p, ok := sessionrt.GetStringArg(args, "path")
	if !ok {
		return nil, fmt.Errorf("path is required")
	}
	content, ok := sessionrt.GetStringArg(args, "content")
	if !ok {
		return nil, fmt.Errorf("content is required")
	}
	full, err := resolve(ec, p)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return &sessionrt.ToolResult{Success: true, Data: fmt.Sprintf("wrote %d bytes to %s", len(content), p)}, nil
}

func deleteFileHandler(_ context.Context, args map[string]any, ec sessionrt.ExecContext) (*sessionrt.ToolResult, error) {
	p, ok := sessionrt.GetStringArg(args, "path")
	if !ok {
		return nil, fmt.Errorf("path is required")
	}
	full, err := resolve(ec, p)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(full); err != nil {
		return nil, err
	}
	return &sessionrt.ToolResult{Success: true, Data: "deleted " + p}, nil
}

func runCommandHandler(ctx context.Context, args map[string]any, ec sessionrt.ExecContext) (*sessionrt.ToolResult, error) {
	command, ok := sessionrt.GetStringArg(args, "command")
	if !ok || command == "" {
		return nil, fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = ec.WorkDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &sessionrt.ToolResult{
			Success: false,
			Data:    string(out),
			Error:   fmt.Sprintf("Tool execution failed: %v", err),
		}, nil
	}
	return &sessionrt.ToolResult{Success: true, Data: string(out)}, nil
}
