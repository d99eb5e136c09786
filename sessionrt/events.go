package sessionrt

import (
	"sync"
	"time"

	"github.com/forgeline/agentrt/llmclient"
)

// EventKind identifies the type of session event.
type EventKind string

const (
	EventSessionStart EventKind = "session_start"
	EventSessionEnd   EventKind = "session_end"
	EventTurnStart    EventKind = "turn_start"
	EventMessage      EventKind = "message"
	EventToolCall     EventKind = "tool_call"
	EventToolResult   EventKind = "tool_result"
	EventDenial       EventKind = "denial"
	EventCostWarning  EventKind = "cost_warning"
	EventApproval     EventKind = "approval"
	EventError        EventKind = "error"
)

// Event is a structured event emitted by the loop. The engine never writes
// to process-wide streams; all observable output flows through this sink.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId"`
	Data      map[string]any `json:"data,omitempty"`
}

// Emitter delivers events to the host application over a buffered channel.
type Emitter struct {
	sessionID string
	ch        chan Event
	closed    bool
	mu        sync.Mutex
}

// NewEmitter creates an emitter with the given buffer size (default 256).
func NewEmitter(sessionID string, bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Emitter{
		sessionID: sessionID,
		ch:        make(chan Event, bufferSize),
	}
}

// Emit sends an event. Events are dropped rather than blocking the loop when
// the channel is full or the emitter is closed.
func (e *Emitter) Emit(kind EventKind, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event := Event{
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		SessionID: e.sessionID,
		Data:      data,
	}
	select {
	case e.ch <- event:
	default:
	}
}

// Events returns the read-only event channel.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// Observer receives streaming callbacks from the loop. All fields are
// optional.
type Observer struct {
	OnMessage    func(msg llmclient.Message)
	OnToolCall   func(rec ToolCallRecord)
	OnToolResult func(rec ToolCallRecord)
}

func (o *Observer) message(msg llmclient.Message) {
	if o != nil && o.OnMessage != nil {
		o.OnMessage(msg)
	}
}

func (o *Observer) toolCall(rec ToolCallRecord) {
	if o != nil && o.OnToolCall != nil {
		o.OnToolCall(rec)
	}
}

func (o *Observer) toolResult(rec ToolCallRecord) {
	if o != nil && o.OnToolResult != nil {
		o.OnToolResult(rec)
	}
}
