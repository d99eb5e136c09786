package sessionrt

import (
	"context"
	"errors"
	"fmt"
)

// ErrChildSessionsUnsupported is returned from the spawn path when no
// ChildSpawner capability is configured. Nested sessions are a capability
// that is either present or explicitly absent, never a sentinel string.
var ErrChildSessionsUnsupported = errors.New("child sessions are not supported by this runtime")

// ChildSpawner runs a nested session on behalf of a parent.
type ChildSpawner interface {
	SpawnChild(ctx context.Context, parent *Session, task string) (*SessionResult, error)
}

// LoopSpawner is the canonical ChildSpawner: it runs a child session through
// RunSession with the parent's dependencies, bounded by MaxDepth.
type LoopSpawner struct {
	Config   LoopConfig
	Deps     Dependencies
	MaxDepth int
}

// SpawnChild runs a child session to completion. The child inherits the
// parent's model and chain correlation, records its parentage, and is
// registered on the parent.
func (sp *LoopSpawner) SpawnChild(ctx context.Context, parent *Session, task string) (*SessionResult, error) {
	if parent.NestingDepth+1 > sp.MaxDepth {
		return nil, fmt.Errorf("maximum session nesting depth (%d) reached", sp.MaxDepth)
	}

	cfg := sp.Config
	cfg.Prompt = task
	deps := sp.Deps
	deps.Session = NewSession(cfg.Role, cfg.Model,
		WithChain(parent.ChainID, parent.TaskID),
		WithParent(parent.ID, parent.NestingDepth+1),
	)
	// A child session never installs its own signal handling.
	deps.Shutdown = nil

	parent.AddChildSession(deps.Session.ID)
	return RunSession(ctx, cfg, deps)
}

// SpawnToolSpec describes the spawn_session tool for the catalog.
func SpawnToolSpec() ToolSpec {
	return ToolSpec{
		Name:        "spawn_session",
		Description: "Spawn a nested session to handle a scoped task autonomously.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "Natural language task description.",
				},
			},
			"required": []string{"task"},
		},
		Sensitive: true,
	}
}

// SpawnToolHandler builds the spawn_session handler. With a nil spawner,
// every call reports the capability as absent.
func SpawnToolHandler(spawner ChildSpawner, parent *Session) ToolHandler {
	return func(ctx context.Context, args map[string]any, ec ExecContext) (*ToolResult, error) {
		if spawner == nil {
			return nil, ErrChildSessionsUnsupported
		}
		task, ok := GetStringArg(args, "task")
		if !ok || task == "" {
			return nil, fmt.Errorf("task is required")
		}

		result, err := spawner.SpawnChild(ctx, parent, task)
		if err != nil {
			return nil, err
		}
		return &ToolResult{
			Success: result.Success,
			Data: map[string]any{
				"success":    result.Success,
				"iterations": result.Iterations,
				"tokensUsed": result.TokensUsed,
				"stopReason": string(result.StopReason),
			},
			Error: result.Error,
		}, nil
	}
}
