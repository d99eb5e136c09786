package sessionrt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEntry records one dispatched tool call. Entries are appended before
// the executor returns control to the loop.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
}

// AuditSink receives audit entries.
type AuditSink interface {
	Append(entry AuditEntry)
}

// MemoryAudit is an in-memory AuditSink.
type MemoryAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *MemoryAudit) Append(entry AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

// Entries returns a copy of the audit log.
func (a *MemoryAudit) Entries() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Executor dispatches authorized tool calls to their handlers. Handler
// errors and panics are absorbed here and reported as failed results; they
// never abort the turn.
type Executor struct {
	handlers map[string]ToolHandler
	audit    AuditSink
	logger   *slog.Logger
}

// NewExecutor creates an executor over a handler map. audit may be nil.
func NewExecutor(handlers map[string]ToolHandler, audit AuditSink, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{handlers: handlers, audit: audit, logger: logger}
}

// Execute runs one authorized call and returns its result. The audit entry
// is appended before returning.
func (e *Executor) Execute(ctx context.Context, req ToolRequest, ec ExecContext) *ToolResult {
	result := e.dispatch(ctx, req, ec)

	if e.audit != nil {
		e.audit.Append(AuditEntry{
			ID:        uuid.New().String(),
			Timestamp: time.Now().UTC(),
			SessionID: ec.SessionID,
			Tool:      req.Name,
			Args:      req.Args,
			Success:   result.Success,
			Error:     result.Error,
		})
	}
	if !result.Success {
		e.logger.Warn("tool call failed", "tool", req.Name, "session", ec.SessionID, "error", result.Error)
	}
	return result
}

func (e *Executor) dispatch(ctx context.Context, req ToolRequest, ec ExecContext) (result *ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			result = &ToolResult{
				Success: false,
				Error:   fmt.Sprintf("Tool execution failed: panic in %s: %v", req.Name, r),
			}
		}
	}()

	handler, ok := e.handlers[req.Name]
	if !ok {
		return &ToolResult{
			Success: false,
			Error:   fmt.Sprintf("Tool execution failed: no handler registered for %s", req.Name),
		}
	}

	res, err := handler(ctx, req.Args, ec)
	if err != nil {
		return &ToolResult{
			Success: false,
			Error:   fmt.Sprintf("Tool execution failed: %v", err),
		}
	}
	if res == nil {
		res = &ToolResult{Success: true}
	}
	return res
}

// StubResult synthesizes a successful result for dry-run mode, where tools
// are authorized and recorded but never dispatched.
func StubResult(req ToolRequest) *ToolResult {
	return &ToolResult{
		Success: true,
		Data:    fmt.Sprintf("[dry-run] %s not executed", req.Name),
	}
}
