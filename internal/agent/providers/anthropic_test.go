package providers

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/marketmind/marketmind/internal/agent"
	"github.com/marketmind/marketmind/pkg/models"
)

func newTestBackend(t *testing.T) *AnthropicBackend {
	t.Helper()
	b, err := NewAnthropicBackend(AnthropicOptions{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewAnthropicBackend: %v", err)
	}
	return b
}

func TestNewAnthropicBackendRequiresKey(t *testing.T) {
	if _, err := NewAnthropicBackend(AnthropicOptions{}); !errors.Is(err, agent.ErrNoAPIKey) {
		t.Errorf("error = %v, want ErrNoAPIKey", err)
	}
}

func TestBuildParams(t *testing.T) {
	b := newTestBackend(t)

	req := &agent.AnalysisRequest{
		SessionID: "sess-1",
		System:    "You are an analyst.",
		History: []agent.ChatTurn{
			{Role: models.RoleUser, Content: "analyze AAPL"},
			{Role: models.RoleAssistant, Content: "Fetching data."},
		},
		ToolOutcomes: []agent.ToolOutcome{
			{CallID: "call-1", Content: `{"price":230}`},
		},
		Tools: []agent.ToolDefinition{
			{
				Name:        "fetch_quote",
				Description: "Fetch a quote.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"ticker":{"type":"string"}}}`),
			},
		},
		MaxTokens: 1024,
	}

	params, err := b.buildParams(req)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	// Two history turns plus one tool-result message.
	if len(params.Messages) != 3 {
		t.Errorf("messages = %d, want 3", len(params.Messages))
	}
	if params.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want 1024", params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "You are an analyst." {
		t.Errorf("System = %+v", params.System)
	}
	if len(params.Tools) != 1 {
		t.Errorf("tools = %d, want 1", len(params.Tools))
	}
}

func TestBuildParamsDefaultsMaxTokens(t *testing.T) {
	b := newTestBackend(t)

	params, err := b.buildParams(&agent.AnalysisRequest{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.MaxTokens != defaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", params.MaxTokens, defaultMaxTokens)
	}
}

func TestBuildParamsRejectsBadSchema(t *testing.T) {
	b := newTestBackend(t)

	_, err := b.buildParams(&agent.AnalysisRequest{
		SessionID: "sess-1",
		Tools: []agent.ToolDefinition{
			{Name: "broken", InputSchema: json.RawMessage(`not json`)},
		},
	})
	if err == nil {
		t.Error("invalid tool schema should fail")
	}
}
