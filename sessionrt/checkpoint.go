package sessionrt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ApprovalResult is the answer to one approval request. Reason is free text
// from the responder, "rejected", or "timeout".
type ApprovalResult struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// ApprovalRequest identifies a pending human-approval checkpoint.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args"`
	RequestedAt time.Time      `json:"requestedAt"`
}

// CheckpointConfig configures the human-approval gate.
type CheckpointConfig struct {
	RequireApproval bool
	AutoApprove     bool
	ApprovalTimeout time.Duration
	SensitiveTools  []string // checked in addition to ToolSpec.Sensitive

	// OnRequest notifies an external responder that an approval is pending.
	OnRequest func(ApprovalRequest)
}

// DefaultCheckpointConfig requires approval with a 5 minute timeout.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		RequireApproval: true,
		ApprovalTimeout: 5 * time.Minute,
	}
}

// CheckpointHandler gates sensitive tool calls behind human approval. A
// timed-out request marks the handler paused, which the loop treats as
// session-terminating; a plain rejection only denies the single call.
type CheckpointHandler struct {
	cfg     CheckpointConfig
	mu      sync.Mutex
	paused  bool
	pending map[string]chan ApprovalResult
}

// NewCheckpointHandler creates a handler.
func NewCheckpointHandler(cfg CheckpointConfig) *CheckpointHandler {
	return &CheckpointHandler{
		cfg:     cfg,
		pending: make(map[string]chan ApprovalResult),
	}
}

// RequiresApproval decides per tool whether a pause is needed.
func (h *CheckpointHandler) RequiresApproval(spec *ToolSpec) bool {
	if !h.cfg.RequireApproval {
		return false
	}
	if spec.Sensitive {
		return true
	}
	for _, name := range h.cfg.SensitiveTools {
		if name == spec.Name {
			return true
		}
	}
	return false
}

// RequestApproval blocks until an external responder answers, the timeout
// expires, or ctx is cancelled. AutoApprove resolves immediately.
func (h *CheckpointHandler) RequestApproval(ctx context.Context, sessionID string, req ToolRequest) ApprovalResult {
	if h.cfg.AutoApprove {
		return ApprovalResult{Approved: true}
	}

	id := uuid.New().String()
	ch := make(chan ApprovalResult, 1)
	h.mu.Lock()
	h.pending[id] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	if h.cfg.OnRequest != nil {
		h.cfg.OnRequest(ApprovalRequest{
			ID:          id,
			SessionID:   sessionID,
			Tool:        req.Name,
			Args:        req.Args,
			RequestedAt: time.Now().UTC(),
		})
	}

	timeout := h.cfg.ApprovalTimeout
	if timeout <= 0 {
		timeout = DefaultCheckpointConfig().ApprovalTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result
	case <-timer.C:
		h.mu.Lock()
		h.paused = true
		h.mu.Unlock()
		return ApprovalResult{Approved: false, Reason: "timeout"}
	case <-ctx.Done():
		return ApprovalResult{Approved: false, Reason: "cancelled"}
	}
}

// Respond resolves a pending request. An empty reason on a rejection is
// normalized to "rejected".
func (h *CheckpointHandler) Respond(id string, approved bool, reason string) error {
	h.mu.Lock()
	ch, ok := h.pending[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval request %s", id)
	}
	if !approved && reason == "" {
		reason = "rejected"
	}
	ch <- ApprovalResult{Approved: approved, Reason: reason}
	return nil
}

// Paused reports whether an approval timeout has paused the handler.
func (h *CheckpointHandler) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// Resume clears the paused flag, e.g. after a human resumes the session.
func (h *CheckpointHandler) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused = false
}
