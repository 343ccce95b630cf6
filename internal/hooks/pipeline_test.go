package hooks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/marketmind/marketmind/internal/budget"
	"github.com/marketmind/marketmind/internal/cache"
	"github.com/marketmind/marketmind/internal/sessions"
	"github.com/marketmind/marketmind/internal/stream"
	"github.com/marketmind/marketmind/pkg/models"
)

type pipelineFixture struct {
	store    *sessions.Store
	ledger   *budget.Ledger
	results  *cache.ResultCache
	bus      *stream.Bus
	pipeline *Pipeline
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		store:   sessions.NewStore(nil),
		ledger:  budget.NewLedger(),
		results: cache.NewResultCache(cache.ResultCacheOptions{}),
		bus:     stream.NewBus(),
	}
	t.Cleanup(f.bus.Close)
	f.pipeline = NewPipeline(f.store, f.ledger, f.results, f.bus, nil)
	return f
}

func (f *pipelineFixture) startSession(t *testing.T, chatID, ticker string) *models.Session {
	t.Helper()
	f.store.GetOrCreate(chatID)
	if ticker != "" {
		if _, err := f.store.TrackWorkflow(chatID, "analysis", ticker); err != nil {
			t.Fatalf("TrackWorkflow: %v", err)
		}
	}
	return f.store.Get(chatID)
}

func (f *pipelineFixture) toolUse(sess *models.Session, tool string, input map[string]any) *ToolUseRequest {
	return &ToolUseRequest{
		SessionID: sess.ID,
		ChatID:    sess.ChatID,
		CallID:    "call-1",
		Tool:      tool,
		Input:     input,
	}
}

func TestOnToolUseRejectsMissingTicker(t *testing.T) {
	f := newPipelineFixture(t)
	sess := f.startSession(t, "chat-1", "")

	_, err := f.pipeline.OnToolUse(context.Background(), f.toolUse(sess, "fetch_quote", map[string]any{}))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if validation.Field != "ticker" {
		t.Errorf("Field = %q, want ticker", validation.Field)
	}

	_, err = f.pipeline.OnToolUse(context.Background(), f.toolUse(sess, "fetch_quote", map[string]any{"ticker": "  "}))
	if !errors.As(err, &validation) {
		t.Errorf("blank ticker: error = %v, want *ValidationError", err)
	}
}

func TestOnToolUseUnknownToolSkipsValidation(t *testing.T) {
	f := newPipelineFixture(t)
	sess := f.startSession(t, "chat-1", "")

	if _, err := f.pipeline.OnToolUse(context.Background(), f.toolUse(sess, "generate_chart", map[string]any{})); err != nil {
		t.Errorf("tool without required fields should pass, got %v", err)
	}
}

func TestOnToolUseDebitsBudget(t *testing.T) {
	f := newPipelineFixture(t)
	sess := f.startSession(t, "chat-1", "AAPL")
	f.ledger.Configure(sess.ID, budget.Config{Limit: 1})

	input := map[string]any{"ticker": "AAPL"}
	if _, err := f.pipeline.OnToolUse(context.Background(), f.toolUse(sess, "fetch_quote", input)); err != nil {
		t.Fatalf("first call: %v", err)
	}

	_, err := f.pipeline.OnToolUse(context.Background(), f.toolUse(sess, "fetch_quote", input))
	var exceeded *budget.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("error = %v, want *ExceededError", err)
	}

	used, _, _ := f.ledger.Usage(sess.ID)
	if used != 1 {
		t.Errorf("used = %v, want 1", used)
	}
	if got := f.store.Get("chat-1").Metrics.ToolCalls; got != 1 {
		t.Errorf("ToolCalls = %d, want 1 (rejected call must not count)", got)
	}
}

func TestOnToolUseInjectsSessionContext(t *testing.T) {
	f := newPipelineFixture(t)
	sess := f.startSession(t, "chat-1", "NVDA")

	out, err := f.pipeline.OnToolUse(context.Background(), f.toolUse(sess, "generate_chart", map[string]any{}))
	if err != nil {
		t.Fatalf("OnToolUse: %v", err)
	}
	if out.Input["session_id"] != sess.ID {
		t.Errorf("session_id = %v, want %s", out.Input["session_id"], sess.ID)
	}
	if out.Input["ticker"] != "NVDA" {
		t.Errorf("ticker = %v, want NVDA", out.Input["ticker"])
	}
}

func TestOnToolUseKeepsExplicitTicker(t *testing.T) {
	f := newPipelineFixture(t)
	sess := f.startSession(t, "chat-1", "NVDA")

	out, err := f.pipeline.OnToolUse(context.Background(),
		f.toolUse(sess, "fetch_quote", map[string]any{"ticker": "AMD"}))
	if err != nil {
		t.Fatalf("OnToolUse: %v", err)
	}
	if out.Input["ticker"] != "AMD" {
		t.Errorf("ticker = %v, want the caller's AMD", out.Input["ticker"])
	}
}

func TestOnToolResultRedactsAndCaches(t *testing.T) {
	f := newPipelineFixture(t)
	sess := f.startSession(t, "chat-1", "AAPL")

	res := f.pipeline.OnToolResult(context.Background(), &ToolResult{
		SessionID: sess.ID,
		ChatID:    "chat-1",
		CallID:    "call-42",
		Tool:      "fetch_quote",
		Content:   `{"apiKey":"k","data":"v"}`,
	})

	if res.Content != `{"data":"v"}` {
		t.Errorf("Content = %s, want redacted", res.Content)
	}
	cached, ok := f.results.Get("call-42")
	if !ok || cached != `{"data":"v"}` {
		t.Errorf("cache = (%q, %v), want redacted content", cached, ok)
	}
}

func TestOnToolResultAnnotatesErrors(t *testing.T) {
	f := newPipelineFixture(t)
	sess := f.startSession(t, "chat-1", "AAPL")
	f.store.AddMessage("chat-1", models.RoleUser, "analyze AAPL")

	res := f.pipeline.OnToolResult(context.Background(), &ToolResult{
		SessionID: sess.ID,
		ChatID:    "chat-1",
		CallID:    "call-1",
		Tool:      "fetch_quote",
		Content:   "upstream timeout",
		IsError:   true,
	})

	if !strings.HasPrefix(res.Content, "[AAPL session started ") {
		t.Errorf("Content = %q, want session context prefix", res.Content)
	}
	if !strings.HasSuffix(res.Content, "upstream timeout") {
		t.Errorf("Content = %q, want original message preserved", res.Content)
	}
	if got := f.store.Get("chat-1").Metrics.Errors; got != 1 {
		t.Errorf("Errors metric = %d, want 1", got)
	}
	if _, ok := f.results.Get("call-1"); ok {
		t.Error("error results must not be cached")
	}
}

func TestOnMessageRecordsTokens(t *testing.T) {
	f := newPipelineFixture(t)
	sess := f.startSession(t, "chat-1", "")

	ev := models.NewEvent(models.EventCompleted, sess.ID)
	ev.Stats = &models.StatsPayload{InputTokens: 120, OutputTokens: 80}
	f.pipeline.OnMessage(ev)

	if got := f.store.Get("chat-1").Metrics.Tokens; got != 200 {
		t.Errorf("Tokens = %d, want 200", got)
	}
}

func TestOnMessagePublishesProgress(t *testing.T) {
	f := newPipelineFixture(t)
	sess := f.startSession(t, "chat-1", "")
	sub := f.bus.Subscribe()

	f.pipeline.OnMessage(models.NewEvent(models.EventChunk, sess.ID))

	got := <-sub
	if got.Type != models.EventProgress {
		t.Errorf("Type = %s, want %s", got.Type, models.EventProgress)
	}
	if got.SessionID != sess.ID {
		t.Errorf("SessionID = %s, want %s", got.SessionID, sess.ID)
	}
}

func TestOnMessageIgnoresUnknownSession(t *testing.T) {
	f := newPipelineFixture(t)

	ev := models.NewEvent(models.EventCompleted, "ghost-12345")
	ev.Stats = &models.StatsPayload{InputTokens: 10}
	f.pipeline.OnMessage(ev)
	// Nothing to assert beyond "does not panic": there is no session to
	// account against.
}
