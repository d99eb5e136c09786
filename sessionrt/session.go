package sessionrt

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/forgeline/agentrt/llmclient"
	"github.com/oklog/ulid/v2"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Outcome is the terminal classification set when a session ends. It is
// independent of Status: a failed session may carry either a failure or an
// interrupted outcome.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeInterrupted Outcome = "interrupted"
)

// TokenUsage accumulates token totals for a session. Totals only grow.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// SessionError records the last fatal error observed by a session.
type SessionError struct {
	Message     string `json:"message"`
	Stack       string `json:"stack,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// ToolCallRecord is one requested tool invocation within a turn. Immutable
// once appended; denials stay visible alongside executed calls.
type ToolCallRecord struct {
	Timestamp    time.Time      `json:"timestamp"`
	Tool         string         `json:"tool"`
	Args         map[string]any `json:"args"`
	Allowed      bool           `json:"allowed"`
	DenialReason string         `json:"denialReason,omitempty"`
	Result       *ToolResult    `json:"result,omitempty"`
}

// Session is the unit of durable state for one conversation. Mutations go
// through methods so invariants hold (append-only transcript, monotonic turn
// index and token totals); the caller persists after each mutation it wants
// to survive a crash.
type Session struct {
	mu sync.Mutex

	ID              string              `json:"id"`
	Role            string              `json:"role"`
	Model           string              `json:"model"`
	ChainID         string              `json:"chainId,omitempty"`
	TaskID          string              `json:"taskId,omitempty"`
	StartTime       time.Time           `json:"startTime"`
	EndTime         *time.Time          `json:"endTime,omitempty"`
	Status          Status              `json:"status"`
	Outcome         Outcome             `json:"outcome,omitempty"`
	LastTurnIndex   int                 `json:"lastTurnIndex"`
	TokenUsage      TokenUsage          `json:"tokenUsage"`
	Messages        []llmclient.Message `json:"messages"`
	ToolCalls       []ToolCallRecord    `json:"toolCalls"`
	Error           *SessionError       `json:"error,omitempty"`
	ParentSessionID string              `json:"parentSessionId,omitempty"`
	ChildSessionIDs []string            `json:"childSessionIds,omitempty"`
	NestingDepth    int                 `json:"nestingDepth"`
}

// SessionOption configures a new session.
type SessionOption func(*Session)

// WithChain attaches chain/task correlation ids.
func WithChain(chainID, taskID string) SessionOption {
	return func(s *Session) {
		s.ChainID = chainID
		s.TaskID = taskID
	}
}

// WithParent marks the session as a child of parentID at the given depth.
func WithParent(parentID string, depth int) SessionOption {
	return func(s *Session) {
		s.ParentSessionID = parentID
		s.NestingDepth = depth
	}
}

// NewSession creates a running session with a time-sortable id.
func NewSession(role, model string, opts ...SessionOption) *Session {
	s := &Session{
		ID:        ulid.Make().String(),
		Role:      role,
		Model:     model,
		StartTime: time.Now().UTC(),
		Status:    StatusRunning,
		Messages:  []llmclient.Message{},
		ToolCalls: []ToolCallRecord{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddMessage appends a message to the transcript.
func (s *Session) AddMessage(msg llmclient.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, msg)
}

// RecordToolCall appends a tool-call record.
func (s *Session) RecordToolCall(rec ToolCallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.ToolCalls = append(s.ToolCalls, rec)
}

// UpdateTokenUsage adds one turn's token delta. Totals never decrease;
// negative deltas are ignored.
func (s *Session) UpdateTokenUsage(input, output int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if input > 0 {
		s.TokenUsage.Input += input
	}
	if output > 0 {
		s.TokenUsage.Output += output
	}
	s.TokenUsage.Total = s.TokenUsage.Input + s.TokenUsage.Output
}

// IncrementTurnIndex advances the last completed turn index.
func (s *Session) IncrementTurnIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastTurnIndex++
	return s.LastTurnIndex
}

// SetStatus transitions the lifecycle state.
func (s *Session) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
}

// SetFailed transitions to failed and records the error.
func (s *Session) SetFailed(message string, recoverable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusFailed
	s.Error = &SessionError{
		Message:     message,
		Stack:       string(debug.Stack()),
		Recoverable: recoverable,
	}
}

// End stamps the end time and sets the terminal outcome. Status moves to
// completed on success, failed otherwise; a paused session stays paused.
func (s *Session) End(outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.EndTime = &now
	s.Outcome = outcome
	if s.Status == StatusPaused {
		return
	}
	if outcome == OutcomeSuccess {
		s.Status = StatusCompleted
	} else {
		s.Status = StatusFailed
	}
}

// AddChildSession registers a spawned child session id.
func (s *Session) AddChildSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ChildSessionIDs = append(s.ChildSessionIDs, id)
}

// CurrentStatus returns the lifecycle state.
func (s *Session) CurrentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status
}

// Transcript returns a copy of the message list.
func (s *Session) Transcript() []llmclient.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]llmclient.Message, len(s.Messages))
	copy(msgs, s.Messages)
	return msgs
}

// Usage returns the current token totals.
func (s *Session) Usage() TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TokenUsage
}
