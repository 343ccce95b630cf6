package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/marketmind/marketmind/pkg/models"
)

// Common backend errors.
var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrNoAPIKey           = errors.New("api key not configured")
)

// ChatTurn is a single prior turn handed to the backend as context.
type ChatTurn struct {
	Role    models.ChatRole
	Content string
}

// ToolDefinition describes a tool the backend may call.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolOutcome feeds a completed tool invocation back into the
// conversation on the next turn.
type ToolOutcome struct {
	CallID  string
	Content string
	IsError bool
}

// AnalysisRequest is one streaming turn against the backend.
type AnalysisRequest struct {
	SessionID    string
	System       string
	History      []ChatTurn
	Tools        []ToolDefinition
	ToolOutcomes []ToolOutcome
	MaxTokens    int
}

// Backend streams analyst events for a request. The returned channel is
// closed when the turn finishes; a terminal error event is emitted on
// the channel rather than returned once streaming has started.
type Backend interface {
	Name() string
	Analyze(ctx context.Context, req *AnalysisRequest) (<-chan *models.AnalystEvent, error)
}
