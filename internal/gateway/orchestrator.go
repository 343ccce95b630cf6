package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/marketmind/marketmind/internal/agent"
	"github.com/marketmind/marketmind/internal/budget"
	"github.com/marketmind/marketmind/internal/hooks"
	"github.com/marketmind/marketmind/internal/observability"
	"github.com/marketmind/marketmind/internal/ratelimit"
	"github.com/marketmind/marketmind/internal/sessions"
	"github.com/marketmind/marketmind/internal/stream"
	"github.com/marketmind/marketmind/pkg/models"
)

// Orchestrator errors.
var (
	ErrUpstreamThrottled = errors.New("upstream rate limit exceeded, try again shortly")
	ErrAnalysisRunning   = errors.New("an analysis is already running for this chat")
)

const (
	defaultMaxToolTurns = 8
	defaultRateCost     = 1.0
	defaultRateMaxWait  = 5 * time.Second

	defaultSystemPrompt = "You are MarketMind, an equity research analyst. " +
		"Use the available market data tools to ground every claim in current " +
		"numbers, state key assumptions explicitly, and close with a concise " +
		"summary. You do not give personalized investment advice."
)

// Options wires an Orchestrator. Store, Ledger, Limiter, Pipeline, Bus
// and Backend are required; the rest have working defaults.
type Options struct {
	Store    *sessions.Store
	Ledger   *budget.Ledger
	Limiter  *ratelimit.Limiter
	Pipeline *hooks.Pipeline
	Bus      *stream.Bus
	Registry *stream.Registry
	Backend  agent.Backend
	Toolbox  *Toolbox
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Logger   *slog.Logger

	SystemPrompt string
	MaxTokens    int
	MaxToolTurns int
	BudgetConfig budget.Config

	// RateKey names the shared upstream bucket every run draws from.
	// Defaults to the backend name, so all chats contend for the same
	// upstream quota.
	RateKey     string
	RateCost    float64
	RateMaxWait time.Duration
}

// Orchestrator drives the full chat flow: command parsing, session
// lifecycle, rate limiting, backend streaming, the tool loop, and
// fan-out of analyst events to the bus.
type Orchestrator struct {
	opts Options

	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*run
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Toolbox == nil {
		opts.Toolbox = NewToolbox()
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if opts.MaxToolTurns <= 0 {
		opts.MaxToolTurns = defaultMaxToolTurns
	}
	if opts.RateKey == "" && opts.Backend != nil {
		opts.RateKey = opts.Backend.Name()
	}
	if opts.RateCost <= 0 {
		opts.RateCost = defaultRateCost
	}
	if opts.RateMaxWait <= 0 {
		opts.RateMaxWait = defaultRateMaxWait
	}
	return &Orchestrator{
		opts:    opts,
		logger:  opts.Logger.With("component", "gateway"),
		running: make(map[string]*run),
	}
}

// HandleChat processes one inbound chat message and returns the
// immediate reply text. Streaming output flows through the bus to
// whatever sink is attached for the session.
func (o *Orchestrator) HandleChat(ctx context.Context, chatID, text string) (string, error) {
	if cmd, ok := ParseCommand(text); ok {
		return o.handleCommand(ctx, chatID, cmd)
	}

	sess := o.opts.Store.Get(chatID)
	if sess == nil {
		return "No active session. Start one with /analyze TICKER.", nil
	}
	o.opts.Store.AddMessage(chatID, models.RoleUser, text)
	if err := o.startRun(ctx, chatID, ""); err != nil {
		return "", err
	}
	return "", nil
}

func (o *Orchestrator) handleCommand(ctx context.Context, chatID string, cmd Command) (string, error) {
	switch cmd.Name {
	case "analyze":
		ticker := strings.ToUpper(strings.TrimSpace(cmd.Arg))
		if ticker == "" {
			return "Usage: /analyze TICKER", nil
		}
		if err := o.Analyze(ctx, chatID, ticker); err != nil {
			return "", err
		}
		return fmt.Sprintf("Starting analysis of %s.", ticker), nil

	case "status":
		return o.StatusText(chatID), nil

	case "stop":
		o.Stop(chatID, "requested by user")
		return "Session stopped.", nil

	default:
		return fmt.Sprintf("Unknown command /%s. Available: /analyze, /status, /stop.", cmd.Name), nil
	}
}

// Analyze starts a full analysis run for ticker on the chat's session,
// creating the session on first use.
func (o *Orchestrator) Analyze(ctx context.Context, chatID, ticker string) error {
	sess := o.opts.Store.GetOrCreate(chatID)
	o.opts.Ledger.Configure(sess.ID, o.opts.BudgetConfig)

	workflowID, err := o.opts.Store.TrackWorkflow(chatID, "analysis", ticker)
	if err != nil {
		return err
	}
	prompt := fmt.Sprintf("Run a full analysis of %s: current quote, fundamentals, "+
		"recent filings, and your assessment.", ticker)
	o.opts.Store.AddMessage(chatID, models.RoleUser, prompt)

	return o.startRun(ctx, chatID, workflowID)
}

// startRun spawns the streaming pump for the chat. At most one run per
// chat may be in flight.
func (o *Orchestrator) startRun(ctx context.Context, chatID, workflowID string) error {
	sess := o.opts.Store.Get(chatID)
	if sess == nil {
		return sessions.ErrNoActiveSession
	}

	// The first backend call is paid for up front against the shared
	// upstream bucket so the caller sees throttling synchronously.
	if !o.opts.Limiter.WaitForTokens(ctx, o.opts.RateKey, o.opts.RateCost, o.opts.RateMaxWait) {
		o.opts.Metrics.RateLimited()
		return ErrUpstreamThrottled
	}

	o.mu.Lock()
	if _, busy := o.running[chatID]; busy {
		o.mu.Unlock()
		return ErrAnalysisRunning
	}
	// Detach from the request context: the stream outlives the HTTP
	// request that triggered it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{})}
	o.running[chatID] = r
	o.mu.Unlock()

	go o.pump(runCtx, r, chatID, sess, workflowID)
	return nil
}

// pump runs the backend tool loop for one analysis run and publishes
// every analyst event to the bus.
func (o *Orchestrator) pump(ctx context.Context, r *run, chatID string, sess *models.Session, workflowID string) {
	started := time.Now()
	defer func() {
		o.mu.Lock()
		delete(o.running, chatID)
		o.mu.Unlock()
		close(r.done)
		o.opts.Metrics.TurnFinished(time.Since(started))
	}()

	ctx, span := o.startRunSpan(ctx, chatID, sess)
	defer span.end()

	turns := historyTurns(sess.History)
	var (
		outcomes  []agent.ToolOutcome
		finalText strings.Builder
		inTokens  int
		outTokens int
		runFailed bool
	)

	for turn := 0; turn < o.opts.MaxToolTurns; turn++ {
		// Turn zero was already paid for by startRun.
		if turn > 0 && !o.opts.Limiter.WaitForTokens(ctx, o.opts.RateKey, o.opts.RateCost, o.opts.RateMaxWait) {
			o.opts.Metrics.RateLimited()
			o.publishError(sess.ID, ErrUpstreamThrottled)
			runFailed = true
			break
		}
		req := &agent.AnalysisRequest{
			SessionID:    sess.ID,
			System:       o.opts.SystemPrompt,
			History:      turns,
			Tools:        o.opts.Toolbox.Definitions(),
			ToolOutcomes: outcomes,
			MaxTokens:    o.opts.MaxTokens,
		}
		events, err := o.opts.Backend.Analyze(ctx, req)
		if err != nil {
			o.publishError(sess.ID, err)
			runFailed = true
			break
		}

		var turnText strings.Builder
		outcomes = nil

		for ev := range events {
			o.opts.Pipeline.OnMessage(ev)
			switch ev.Type {
			case models.EventChunk:
				if ev.Text != nil {
					turnText.WriteString(ev.Text.Delta)
				}
				o.opts.Bus.Publish(ev)

			case models.EventToolUse:
				o.opts.Bus.Publish(ev)
				if ev.Tool != nil {
					outcomes = append(outcomes, o.invokeTool(ctx, chatID, sess.ID, ev.Tool))
				}

			case models.EventCompleted:
				// The backend finishes each API turn with stats;
				// the run-level completion is published below once
				// the tool loop drains.
				if ev.Stats != nil {
					inTokens += ev.Stats.InputTokens
					outTokens += ev.Stats.OutputTokens
				}

			case models.EventError:
				o.opts.Bus.Publish(ev)
				runFailed = true

			default:
				o.opts.Bus.Publish(ev)
			}
		}

		if turnText.Len() > 0 {
			text := turnText.String()
			o.opts.Store.AddMessage(chatID, models.RoleAssistant, text)
			turns = append(turns, agent.ChatTurn{Role: models.RoleAssistant, Content: text})
			finalText.Reset()
			finalText.WriteString(text)
		}
		if runFailed || len(outcomes) == 0 {
			break
		}
	}

	o.opts.Metrics.Tokens(inTokens, outTokens)
	o.opts.Store.AddMetric(chatID, models.MetricTurns, 1)

	if workflowID != "" && !runFailed {
		o.opts.Store.CompleteWorkflow(chatID, workflowID, summarize(finalText.String()))
	}
	if !runFailed {
		done := models.NewEvent(models.EventCompleted, sess.ID)
		done.Stats = &models.StatsPayload{InputTokens: inTokens, OutputTokens: outTokens}
		o.opts.Bus.Publish(done)
	}

	o.logger.Info("analysis run finished",
		"chat_id", chatID,
		"session_id", sess.ID,
		"failed", runFailed,
		"input_tokens", inTokens,
		"output_tokens", outTokens,
		"duration_ms", time.Since(started).Milliseconds())
}

// invokeTool runs one tool call through the hook pipeline and the
// toolbox, publishes the result event, and returns the outcome for the
// next backend turn.
func (o *Orchestrator) invokeTool(ctx context.Context, chatID, sessionID string, call *models.ToolUsePayload) agent.ToolOutcome {
	ctx, span := o.startToolSpan(ctx, call)
	defer span.end()

	req := &hooks.ToolUseRequest{
		SessionID: sessionID,
		ChatID:    chatID,
		CallID:    call.CallID,
		Tool:      call.Name,
		Input:     call.Input,
	}

	modified, err := o.opts.Pipeline.OnToolUse(ctx, req)
	if err != nil {
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			o.opts.Metrics.BudgetRejected()
		}
		o.opts.Metrics.ToolCall(call.Name, "rejected")
		span.fail(err)
		return o.finishTool(ctx, req, err.Error(), true)
	}
	if modified != nil {
		req = modified
	}

	content, execErr := o.opts.Toolbox.Execute(ctx, req.Tool, req.Input)
	if execErr != nil {
		o.opts.Metrics.ToolCall(call.Name, "error")
		span.fail(execErr)
		return o.finishTool(ctx, req, execErr.Error(), true)
	}
	o.opts.Metrics.ToolCall(call.Name, "ok")
	return o.finishTool(ctx, req, content, false)
}

// finishTool runs the result hook, publishes the tool.result event, and
// shapes the outcome.
func (o *Orchestrator) finishTool(ctx context.Context, req *hooks.ToolUseRequest, content string, isError bool) agent.ToolOutcome {
	res := o.opts.Pipeline.OnToolResult(ctx, &hooks.ToolResult{
		SessionID: req.SessionID,
		ChatID:    req.ChatID,
		CallID:    req.CallID,
		Tool:      req.Tool,
		Content:   content,
		IsError:   isError,
	})

	ev := models.NewEvent(models.EventToolResult, req.SessionID)
	ev.Result = &models.ToolResultPayload{
		CallID:  res.CallID,
		Name:    res.Tool,
		Content: res.Content,
		IsError: res.IsError,
	}
	o.opts.Bus.Publish(ev)

	return agent.ToolOutcome{CallID: res.CallID, Content: res.Content, IsError: res.IsError}
}

// Stop cancels any in-flight run and retires the chat's session. Safe
// to call with no active session.
func (o *Orchestrator) Stop(chatID, reason string) {
	o.mu.Lock()
	r := o.running[chatID]
	o.mu.Unlock()
	if r != nil {
		r.cancel()
		<-r.done
	}

	sess := o.opts.Store.Get(chatID)
	o.opts.Store.Stop(chatID, reason)
	if sess != nil {
		o.opts.Ledger.Release(sess.ID)
		o.opts.Metrics.SessionEnded(string(models.SessionStopped))
	}
}

// StatusText renders a human-readable session summary for /status.
func (o *Orchestrator) StatusText(chatID string) string {
	sess := o.opts.Store.Get(chatID)
	if sess == nil {
		if st := o.opts.Store.Status(chatID); st != "" {
			return fmt.Sprintf("Last session %s. Start a new one with /analyze TICKER.", st)
		}
		return "No session. Start one with /analyze TICKER."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s (%s)", sess.ID, sess.Status)
	if sess.Ticker != "" {
		fmt.Fprintf(&b, " analyzing %s", sess.Ticker)
	}
	fmt.Fprintf(&b, "\nTurns: %d, tool calls: %d, tokens: %d, errors: %d",
		sess.Metrics.Turns, sess.Metrics.ToolCalls, sess.Metrics.Tokens, sess.Metrics.Errors)
	if used, limit, ok := o.opts.Ledger.Usage(sess.ID); ok {
		fmt.Fprintf(&b, "\nBudget: %.1f of %.1f used", used, limit)
	}
	if pending := pendingWorkflows(sess); pending > 0 {
		fmt.Fprintf(&b, "\nWorkflows in flight: %d", pending)
	}
	return b.String()
}

// AttachClient registers a streaming sink for a session.
func (o *Orchestrator) AttachClient(sessionID string, sink stream.Sink) error {
	return o.opts.Registry.Register(sessionID, sink)
}

// DetachClient removes a session's sink, if any.
func (o *Orchestrator) DetachClient(sessionID string) {
	o.opts.Registry.Unregister(sessionID)
}

// Close cancels all in-flight runs and waits for their pumps to exit.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	runs := make([]*run, 0, len(o.running))
	for _, r := range o.running {
		runs = append(runs, r)
	}
	o.mu.Unlock()
	for _, r := range runs {
		r.cancel()
		<-r.done
	}
}

func (o *Orchestrator) publishError(sessionID string, err error) {
	ev := models.NewEvent(models.EventError, sessionID)
	ev.Error = &models.ErrorPayload{Message: err.Error()}
	o.opts.Bus.Publish(ev)
}

func historyTurns(history []models.ChatMessage) []agent.ChatTurn {
	turns := make([]agent.ChatTurn, 0, len(history))
	for _, msg := range history {
		turns = append(turns, agent.ChatTurn{Role: msg.Role, Content: msg.Content})
	}
	return turns
}

func pendingWorkflows(sess *models.Session) int {
	n := 0
	for _, wf := range sess.Workflows {
		if !wf.Completed() {
			n++
		}
	}
	return n
}

func summarize(text string) string {
	const max = 500
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
