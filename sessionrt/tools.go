package sessionrt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/forgeline/agentrt/llmclient"
)

// ToolSpec describes a tool in the catalog: its model-facing definition plus
// the governance metadata the gate and checkpoint handler consult.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any

	Mutating  bool       // file-mutating: subject to path rules and locks
	Action    FileAction // which mutation class, when Mutating
	PathArg   string     // argument naming the target path; default "path"
	Sensitive bool       // routes through the checkpoint handler
}

// TargetPath extracts the tool call's target path from parsed arguments.
func (s *ToolSpec) TargetPath(args map[string]any) (string, bool) {
	key := s.PathArg
	if key == "" {
		key = "path"
	}
	return GetStringArg(args, key)
}

// Def returns the model-facing tool definition.
func (s *ToolSpec) Def() llmclient.ToolDef {
	return llmclient.ToolDef{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  s.Parameters,
	}
}

// ToolRegistry manages the tool catalog. It carries no business semantics;
// it only answers lookup and per-role filtering queries.
type ToolRegistry struct {
	tools map[string]*ToolSpec
	order []string
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolSpec)}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(spec ToolSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; !exists {
		r.order = append(r.order, spec.Name)
	}
	r.tools[spec.Name] = &spec
}

// Get returns a tool by name, or nil.
func (r *ToolRegistry) Get(name string) *ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// DefsForRole returns model-facing definitions for the tools the role may
// call, in registration order.
func (r *ToolRegistry) DefsForRole(role *RoleSpec) []llmclient.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llmclient.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		if role.AllowsTool(name) {
			defs = append(defs, r.tools[name].Def())
		}
	}
	return defs
}

// CanRoleUseTool reports whether the tool exists and the role's allow-list
// contains it.
func (r *ToolRegistry) CanRoleUseTool(role *RoleSpec, name string) bool {
	return r.Get(name) != nil && role.AllowsTool(name)
}

// ToolRequest is a model-requested tool invocation with parsed arguments.
type ToolRequest struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Content renders the result for the model's transcript.
func (r *ToolResult) Content() string {
	if !r.Success {
		return r.Error
	}
	switch d := r.Data.(type) {
	case nil:
		return "ok"
	case string:
		return d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return fmt.Sprintf("%v", d)
		}
		return string(b)
	}
}

// ExecContext carries per-session execution state into tool handlers.
type ExecContext struct {
	SessionID string
	Role      string
	ChainID   string
	TaskID    string
	WorkDir   string
	DryRun    bool
	Logger    *slog.Logger
}

// ToolHandler executes one tool call. Returning an error (or panicking) is
// absorbed at the dispatch boundary and reported as a failed ToolResult.
type ToolHandler func(ctx context.Context, args map[string]any, ec ExecContext) (*ToolResult, error)

// ParseToolArguments unmarshals raw tool call arguments into a map.
func ParseToolArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

// GetStringArg extracts a string argument.
func GetStringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument.
func GetIntArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// GetBoolArg extracts a boolean argument.
func GetBoolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
