package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marketmind/marketmind/internal/agent"
	"github.com/marketmind/marketmind/internal/budget"
	"github.com/marketmind/marketmind/internal/cache"
	"github.com/marketmind/marketmind/internal/gateway"
	"github.com/marketmind/marketmind/internal/hooks"
	"github.com/marketmind/marketmind/internal/ratelimit"
	"github.com/marketmind/marketmind/internal/sessions"
	"github.com/marketmind/marketmind/internal/stream"
	"github.com/marketmind/marketmind/pkg/models"
)

type serverFixture struct {
	store    *sessions.Store
	bus      *stream.Bus
	registry *stream.Registry
	server   *httptest.Server
}

// waitRegistered blocks until the session has an attached sink, so
// tests can publish without racing the upgrade handler.
func (f *serverFixture) waitRegistered(t *testing.T, sessionID string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !f.registry.Registered(sessionID) {
		select {
		case <-deadline:
			t.Fatal("sink never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	completed := &models.AnalystEvent{
		Type:  models.EventCompleted,
		Stats: &models.StatsPayload{InputTokens: 10, OutputTokens: 10},
	}
	chunk := &models.AnalystEvent{
		Type: models.EventChunk,
		Text: &models.TextPayload{Delta: "analysis text"},
	}
	backend := &agent.ScriptedBackend{Turns: [][]*models.AnalystEvent{{chunk, completed}}}

	store := sessions.NewStore(nil)
	ledger := budget.NewLedger()
	bus := stream.NewBus()
	registry := stream.NewRegistry(bus, nil)
	pipeline := hooks.NewPipeline(store, ledger, cache.NewResultCache(cache.ResultCacheOptions{}), bus, nil)

	orch := gateway.NewOrchestrator(gateway.Options{
		Store:        store,
		Ledger:       ledger,
		Limiter:      ratelimit.NewLimiter(ratelimit.Config{Capacity: 100, RefillRate: 100}, nil),
		Pipeline:     pipeline,
		Bus:          bus,
		Registry:     registry,
		Backend:      backend,
		BudgetConfig: budget.Config{Limit: 20},
	})

	mux := http.NewServeMux()
	NewServer(orch, nil).Routes(mux)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		ts.Close()
		orch.Close()
		registry.Close()
		bus.Close()
	})
	return &serverFixture{store: store, bus: bus, registry: registry, server: ts}
}

func postChat(t *testing.T, ts *httptest.Server, body string) (*http.Response, chatResponse) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/chat: %v", err)
	}
	defer resp.Body.Close()
	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestChatEndpoint(t *testing.T) {
	f := newServerFixture(t)

	resp, decoded := postChat(t, f.server, `{"chat_id":"chat-1","text":"/analyze DEMO"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(decoded.Reply, "DEMO") {
		t.Errorf("reply = %q", decoded.Reply)
	}
}

func TestChatEndpointRejectsBadInput(t *testing.T) {
	f := newServerFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"missing chat_id", `{"text":"hi"}`},
		{"missing text", `{"chat_id":"chat-1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, decoded := postChat(t, f.server, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if decoded.Error == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestStreamRequiresSessionID(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.server.URL + "/v1/stream")
	if err != nil {
		t.Fatalf("GET /v1/stream: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	f := newServerFixture(t)

	sess := f.store.GetOrCreate("chat-1")
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/stream?session_id=" + sess.ID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	f.waitRegistered(t, sess.ID)

	ev := models.NewEvent(models.EventChunk, sess.ID)
	ev.Text = &models.TextPayload{Delta: "streamed"}
	f.bus.Publish(ev)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got models.AnalystEvent
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Type != models.EventChunk || got.Text == nil || got.Text.Delta != "streamed" {
		t.Errorf("event = %+v", got)
	}
}

func TestSecondStreamForSameSessionRejected(t *testing.T) {
	f := newServerFixture(t)

	sess := f.store.GetOrCreate("chat-1")
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/stream?session_id=" + sess.ID

	first, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer first.Close()
	f.waitRegistered(t, sess.ID)

	second, resp2, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		// The upgrade itself succeeds; the server closes the duplicate
		// immediately after rejecting registration.
		second.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, _, rerr := second.ReadMessage(); rerr == nil {
			t.Error("duplicate stream should be closed by the server")
		}
		second.Close()
	}
	if resp2 != nil {
		resp2.Body.Close()
	}
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
