package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/marketmind/marketmind/internal/agent"
	"github.com/marketmind/marketmind/pkg/models"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 8192
	maxRetries       = 3
	retryDelay       = time.Second
)

// AnthropicBackend streams analysis turns through the Anthropic
// Messages API with tool use.
type AnthropicBackend struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

// AnthropicOptions configures the backend.
type AnthropicOptions struct {
	APIKey  string
	BaseURL string
	Model   string
	Logger  *slog.Logger
}

// NewAnthropicBackend builds a backend from options. The API key is
// required.
func NewAnthropicBackend(opts AnthropicOptions) (*AnthropicBackend, error) {
	if opts.APIKey == "" {
		return nil, agent.ErrNoAPIKey
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicBackend{
		client: anthropic.NewClient(clientOpts...),
		model:  model,
		logger: logger.With("component", "anthropic"),
	}, nil
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

// Analyze opens a streaming turn and translates SDK stream events into
// analyst events on the returned channel. The channel closes when the
// turn completes; stream failures surface as error events.
func (b *AnthropicBackend) Analyze(ctx context.Context, req *agent.AnalysisRequest) (<-chan *models.AnalystEvent, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan *models.AnalystEvent, 16)
	go func() {
		defer close(out)
		b.streamTurn(ctx, req.SessionID, params, out)
	}()
	return out, nil
}

func (b *AnthropicBackend) buildParams(req *agent.AnalysisRequest) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, turn := range req.History {
		block := anthropic.NewTextBlock(turn.Content)
		if turn.Role == models.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	if len(req.ToolOutcomes) > 0 {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(req.ToolOutcomes))
		for _, outcome := range req.ToolOutcomes {
			blocks = append(blocks, anthropic.NewToolResultBlock(outcome.CallID, outcome.Content, outcome.IsError))
		}
		messages = append(messages, anthropic.NewUserMessage(blocks...))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("tool %s schema: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if tool.Description != "" {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}
		params.Tools = append(params.Tools, toolParam)
	}
	return params, nil
}

// streamTurn runs the SSE stream with retries on pre-first-event
// failures and translates events until message_stop.
func (b *AnthropicBackend) streamTurn(ctx context.Context, sessionID string, params anthropic.MessageNewParams, out chan<- *models.AnalystEvent) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				b.emitError(out, sessionID, ctx.Err())
				return
			case <-time.After(delay):
			}
		}

		delivered, err := b.consumeStream(ctx, sessionID, params, out)
		if err == nil {
			return
		}
		lastErr = err
		if delivered || ctx.Err() != nil {
			// Cannot transparently retry once events reached the caller.
			break
		}
		b.logger.Warn("stream attempt failed", "attempt", attempt+1, "error", err)
	}
	b.emitError(out, sessionID, lastErr)
}

func (b *AnthropicBackend) consumeStream(ctx context.Context, sessionID string, params anthropic.MessageNewParams, out chan<- *models.AnalystEvent) (delivered bool, err error) {
	stream := b.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		inputTokens  int64
		outputTokens int64
		toolID       string
		toolName     string
		toolJSON     strings.Builder
	)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			inputTokens = event.AsMessageStart().Message.Usage.InputTokens

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				toolID = tu.ID
				toolName = tu.Name
				toolJSON.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				ev := models.NewEvent(models.EventChunk, sessionID)
				ev.Text = &models.TextPayload{Delta: delta.Text}
				out <- ev
				delivered = true
			case "thinking_delta":
				ev := models.NewEvent(models.EventThinking, sessionID)
				ev.Text = &models.TextPayload{Delta: delta.Thinking}
				out <- ev
				delivered = true
			case "input_json_delta":
				toolJSON.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if toolID == "" {
				continue
			}
			input := map[string]any{}
			if raw := toolJSON.String(); raw != "" {
				if uerr := json.Unmarshal([]byte(raw), &input); uerr != nil {
					b.logger.Warn("malformed tool input", "tool", toolName, "error", uerr)
				}
			}
			ev := models.NewEvent(models.EventToolUse, sessionID)
			ev.Tool = &models.ToolUsePayload{CallID: toolID, Name: toolName, Input: input}
			out <- ev
			delivered = true
			toolID, toolName = "", ""

		case "message_delta":
			outputTokens = event.AsMessageDelta().Usage.OutputTokens

		case "message_stop":
			ev := models.NewEvent(models.EventCompleted, sessionID)
			ev.Stats = &models.StatsPayload{
				InputTokens:  int(inputTokens),
				OutputTokens: int(outputTokens),
			}
			out <- ev
			delivered = true

		case "error":
			return delivered, fmt.Errorf("stream error event: %s", event.Type)
		}
	}
	if serr := stream.Err(); serr != nil {
		return delivered, serr
	}
	return delivered, nil
}

func (b *AnthropicBackend) emitError(out chan<- *models.AnalystEvent, sessionID string, err error) {
	if err == nil {
		err = agent.ErrBackendUnavailable
	}
	ev := models.NewEvent(models.EventError, sessionID)
	ev.Error = &models.ErrorPayload{Message: err.Error()}
	out <- ev
}
