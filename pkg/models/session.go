// Package models provides domain types for the MarketMind session core.
package models

import (
	"strconv"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// SessionActive is the only state in which a session accepts mutations.
	SessionActive SessionStatus = "active"

	// SessionCompleted means the analysis finished normally.
	SessionCompleted SessionStatus = "completed"

	// SessionStopped means the user (or a disconnect) ended the session.
	SessionStopped SessionStatus = "stopped"

	// SessionExpired means the TTL sweep retired the session.
	SessionExpired SessionStatus = "expired"
)

// Terminal reports whether the status is one of the terminal states.
// Terminal sessions never mutate again; a new session object supersedes them.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionStopped, SessionExpired:
		return true
	default:
		return false
	}
}

// ChatRole identifies the author of a conversation entry.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage is one entry in a session's conversation history.
// Insertion order is significant and never reordered or pruned by the core.
type ChatMessage struct {
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Workflow tracks one analysis run (e.g. a full ticker analysis) within a session.
type Workflow struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Ticker      string    `json:"ticker,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Result      string    `json:"result,omitempty"`
}

// Completed reports whether the workflow has finished.
func (w *Workflow) Completed() bool {
	return !w.CompletedAt.IsZero()
}

// SessionMetrics holds monotonically non-decreasing per-session counters.
type SessionMetrics struct {
	Tokens    int64 `json:"tokens"`
	ToolCalls int64 `json:"tool_calls"`
	Turns     int64 `json:"turns"`
	Errors    int64 `json:"errors"`
}

// Metric counter names accepted by the session store.
const (
	MetricTokens    = "tokens"
	MetricToolCalls = "tool_calls"
	MetricTurns     = "turns"
	MetricErrors    = "errors"
)

// Session is the chat-scoped unit of conversation and analysis state.
//
// At most one active session exists per chat id. Terminal sessions are
// retained read-only until the retention sweep purges them.
type Session struct {
	ID             string         `json:"id"`
	ChatID         string         `json:"chat_id"`
	Status         SessionStatus  `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	CompletedAt    time.Time      `json:"completed_at,omitzero"`
	StopReason     string         `json:"stop_reason,omitempty"`
	Ticker         string         `json:"ticker,omitempty"`
	History        []ChatMessage  `json:"history"`
	Workflows      []Workflow     `json:"workflows"`
	Metrics        SessionMetrics `json:"metrics"`
}

// NewSessionID derives a session id from the chat id and creation time.
func NewSessionID(chatID string, at time.Time) string {
	return chatID + "-" + strconv.FormatInt(at.UnixNano(), 10)
}

// Clone returns a deep copy safe to hand to callers while the store
// keeps mutating its own instance.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if len(s.History) > 0 {
		clone.History = append([]ChatMessage(nil), s.History...)
	}
	if len(s.Workflows) > 0 {
		clone.Workflows = append([]Workflow(nil), s.Workflows...)
	}
	return &clone
}

// TurnCount returns the number of user turns recorded so far.
func (s *Session) TurnCount() int64 {
	return s.Metrics.Turns
}
