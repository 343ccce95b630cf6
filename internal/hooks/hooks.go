// Package hooks provides the composable interception pipeline around tool
// invocations: validation, per-session cost budgets, and output redaction.
package hooks

import (
	"context"
	"fmt"
)

// ToolUseRequest is the immutable input to OnToolUse hooks. Hooks never
// mutate a request in place; they return a modified clone or nil for
// "unchanged".
type ToolUseRequest struct {
	SessionID string
	ChatID    string
	CallID    string
	Tool      string
	Input     map[string]any
}

// Clone returns a copy with its own input map.
func (r *ToolUseRequest) Clone() *ToolUseRequest {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Input = make(map[string]any, len(r.Input))
	for k, v := range r.Input {
		clone.Input[k] = v
	}
	return &clone
}

// ToolResult is the input to OnToolResult.
type ToolResult struct {
	SessionID string
	ChatID    string
	CallID    string
	Tool      string
	Content   string
	IsError   bool
}

// ValidationError reports a tool call missing a required input field.
// It is fatal to the single tool call only.
type ValidationError struct {
	Tool  string
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("hooks: tool %q requires field %q", e.Tool, e.Field)
}

// ToolUseHook transforms a tool-use request. Returning (nil, nil) means
// "unchanged": the pipeline keeps the previous value. A non-nil return
// replaces it. Any error aborts the chain.
type ToolUseHook func(ctx context.Context, req *ToolUseRequest) (*ToolUseRequest, error)

// ComposeToolUse folds hooks left to right. Each hook receives the output
// of the previous one, or the prior value when a hook signals "unchanged".
// An empty list is the identity function.
func ComposeToolUse(hooks ...ToolUseHook) ToolUseHook {
	return func(ctx context.Context, req *ToolUseRequest) (*ToolUseRequest, error) {
		cur := req
		for _, h := range hooks {
			out, err := h(ctx, cur)
			if err != nil {
				return nil, err
			}
			if out != nil {
				cur = out
			}
		}
		return cur, nil
	}
}
