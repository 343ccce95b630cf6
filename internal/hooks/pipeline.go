package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/marketmind/marketmind/internal/budget"
	"github.com/marketmind/marketmind/internal/cache"
	"github.com/marketmind/marketmind/internal/sessions"
	"github.com/marketmind/marketmind/internal/stream"
	"github.com/marketmind/marketmind/pkg/models"
)

// toolRequiredFields maps tool names to input fields that must be present
// and non-empty before the call is allowed through.
var toolRequiredFields = map[string][]string{
	"fetch_quote":        {"ticker"},
	"fetch_fundamentals": {"ticker"},
	"fetch_filings":      {"ticker"},
	"dcf_valuation":      {"ticker"},
	"comparable_peers":   {"ticker"},
}

// Pipeline wires the three extension points around backend tool traffic.
//
// OnMessage observes every raw backend event and never fails; OnToolUse
// gates tool calls through validation and the budget ledger; OnToolResult
// redacts successful results and annotates failures with session context.
type Pipeline struct {
	sessions *sessions.Store
	ledger   *budget.Ledger
	results  *cache.ResultCache
	bus      *stream.Bus
	logger   *slog.Logger
	toolUse  ToolUseHook
}

// NewPipeline builds the standard pipeline: validation, then budget,
// then session-context injection, composed left to right.
func NewPipeline(store *sessions.Store, ledger *budget.Ledger, results *cache.ResultCache, bus *stream.Bus, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		sessions: store,
		ledger:   ledger,
		results:  results,
		bus:      bus,
		logger:   logger.With("component", "hooks"),
	}
	p.toolUse = ComposeToolUse(
		p.validateHook,
		p.budgetHook,
		p.contextHook,
	)
	return p
}

// OnMessage observes a raw backend event. When usage stats are present it
// adds the token delta to the session's tokens metric, and it always
// publishes a derived progress notification tagged with the session id.
// It never fails: observability must not destabilize the stream.
func (p *Pipeline) OnMessage(ev *models.AnalystEvent) {
	if ev == nil || ev.SessionID == "" {
		return
	}

	chatID := p.chatIDFor(ev.SessionID)

	if ev.Stats != nil {
		delta := int64(ev.Stats.InputTokens + ev.Stats.OutputTokens)
		if delta > 0 && chatID != "" {
			p.sessions.AddMetric(chatID, models.MetricTokens, delta)
		}
	}

	progress := models.NewEvent(models.EventProgress, ev.SessionID)
	progress.Progress = &models.ProgressPayload{Stage: string(ev.Type)}
	p.bus.Publish(progress)
}

// OnToolUse runs the composed tool-use chain.
func (p *Pipeline) OnToolUse(ctx context.Context, req *ToolUseRequest) (*ToolUseRequest, error) {
	return p.toolUse(ctx, req)
}

// OnToolResult post-processes a tool result. Failures get the errors
// metric bumped and session context prepended to the error text;
// successes are redacted and cached by invocation id. The possibly
// rewritten result is returned.
func (p *Pipeline) OnToolResult(ctx context.Context, res *ToolResult) *ToolResult {
	if res == nil {
		return nil
	}
	out := *res

	if res.IsError {
		p.sessions.AddMetric(res.ChatID, models.MetricErrors, 1)
		out.Content = p.sessionContextPrefix(res.ChatID) + res.Content
		return &out
	}

	out.Content = redactContent(res.Content)
	p.results.Put(res.CallID, out.Content)
	return &out
}

// validateHook checks tool-specific required input fields.
func (p *Pipeline) validateHook(ctx context.Context, req *ToolUseRequest) (*ToolUseRequest, error) {
	required, ok := toolRequiredFields[req.Tool]
	if !ok {
		return nil, nil
	}
	for _, field := range required {
		v, present := req.Input[field]
		if !present {
			return nil, &ValidationError{Tool: req.Tool, Field: field}
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return nil, &ValidationError{Tool: req.Tool, Field: field}
		}
	}
	return nil, nil
}

// budgetHook debits the session's budget for this tool and bumps the
// toolCalls metric. Unbudgeted sessions pass through at zero cost.
func (p *Pipeline) budgetHook(ctx context.Context, req *ToolUseRequest) (*ToolUseRequest, error) {
	if _, err := p.ledger.Debit(req.SessionID, req.Tool); err != nil {
		return nil, err
	}
	p.sessions.AddMetric(req.ChatID, models.MetricToolCalls, 1)
	return nil, nil
}

// contextHook injects session-derived fields into the tool input so
// downstream tools see the session id and current ticker without the
// backend having to thread them through.
func (p *Pipeline) contextHook(ctx context.Context, req *ToolUseRequest) (*ToolUseRequest, error) {
	sess := p.sessions.Get(req.ChatID)
	if sess == nil {
		return nil, nil
	}
	out := req.Clone()
	out.Input["session_id"] = sess.ID
	if sess.Ticker != "" {
		if _, present := out.Input["ticker"]; !present {
			out.Input["ticker"] = sess.Ticker
		}
	}
	return out, nil
}

// sessionContextPrefix builds the "[TICKER session started ... turn N]"
// prefix prepended to failed tool results.
func (p *Pipeline) sessionContextPrefix(chatID string) string {
	sess := p.sessions.Get(chatID)
	if sess == nil {
		return ""
	}
	ticker := sess.Ticker
	if ticker == "" {
		ticker = "?"
	}
	return fmt.Sprintf("[%s session started %s, turn %d] ",
		ticker, sess.CreatedAt.Format("15:04:05"), sess.TurnCount())
}

// chatIDFor resolves a session id back to its chat id. Session ids are
// derived from the chat id plus creation time, so the prefix is
// authoritative; an unknown or terminal session yields "".
func (p *Pipeline) chatIDFor(sessionID string) string {
	idx := strings.LastIndexByte(sessionID, '-')
	if idx <= 0 {
		return ""
	}
	chatID := sessionID[:idx]
	if sess := p.sessions.Get(chatID); sess != nil && sess.ID == sessionID {
		return chatID
	}
	return ""
}
