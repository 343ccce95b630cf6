package models

import (
	"time"
)

// AnalystEvent is the unified event model for the backend analysis stream.
// It provides a single event stream that drives client sinks, hooks, and logging.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees across goroutines
//   - SessionID tags every routable event; events without one are dropped
//     at the registry boundary
type AnalystEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type AnalystEventType `json:"type"`

	// SessionID identifies the session this event belongs to.
	SessionID string `json:"session_id,omitempty"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within the bus for ordering guarantees.
	Sequence uint64 `json:"seq"`

	// Exactly one payload should be non-nil for a given Type.
	Text     *TextPayload       `json:"text,omitempty"`
	Tool     *ToolUsePayload    `json:"tool,omitempty"`
	Result   *ToolResultPayload `json:"result,omitempty"`
	Progress *ProgressPayload   `json:"progress,omitempty"`
	Error    *ErrorPayload      `json:"error,omitempty"`
	Stats    *StatsPayload      `json:"stats,omitempty"`
}

// AnalystEventType identifies the kind of analyst event.
type AnalystEventType string

const (
	// EventChunk carries an incremental assistant text delta.
	EventChunk AnalystEventType = "chunk"

	// EventThinking carries backend reasoning notices.
	EventThinking AnalystEventType = "thinking"

	// EventToolUse is a backend request to invoke a tool.
	EventToolUse AnalystEventType = "tool.use"

	// EventToolResult is the outcome of a tool invocation.
	EventToolResult AnalystEventType = "tool.result"

	// EventProgress is a derived progress notification.
	EventProgress AnalystEventType = "progress"

	// EventCompleted signals normal termination of an analysis run.
	EventCompleted AnalystEventType = "completed"

	// EventError signals abnormal termination of an analysis run.
	EventError AnalystEventType = "error"
)

// Known reports whether the type is one this core understands.
// Unknown types still pass through the stream registry verbatim.
func (t AnalystEventType) Known() bool {
	switch t {
	case EventChunk, EventThinking, EventToolUse, EventToolResult,
		EventProgress, EventCompleted, EventError:
		return true
	default:
		return false
	}
}

// TextPayload carries streamed assistant or thinking text.
type TextPayload struct {
	Delta string `json:"delta"`
}

// ToolUsePayload describes a tool invocation request from the backend.
type ToolUsePayload struct {
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input,omitempty"`
}

// ToolResultPayload describes the outcome of a tool invocation.
type ToolResultPayload struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ProgressPayload is a lightweight notification derived from raw backend
// traffic, suitable for client-side progress indicators.
type ProgressPayload struct {
	Stage  string `json:"stage"`
	Detail string `json:"detail,omitempty"`
}

// ErrorPayload carries a terminal error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// StatsPayload carries token accounting reported by the backend.
type StatsPayload struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// NewEvent creates an event of the given type for a session, stamped now.
func NewEvent(t AnalystEventType, sessionID string) *AnalystEvent {
	return &AnalystEvent{
		Version:   1,
		Type:      t,
		SessionID: sessionID,
		Time:      time.Now(),
	}
}
