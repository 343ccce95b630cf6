package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/marketmind/marketmind/internal/agent"
)

// ErrUnknownTool is returned when the backend requests a tool that was
// never registered.
var ErrUnknownTool = fmt.Errorf("unknown tool")

// ToolFunc executes one tool invocation and returns its textual result.
type ToolFunc func(ctx context.Context, input map[string]any) (string, error)

// Toolbox holds the tools exposed to the backend. Registration happens
// at startup; execution is concurrent.
type Toolbox struct {
	mu    sync.RWMutex
	defs  []agent.ToolDefinition
	funcs map[string]ToolFunc
}

func NewToolbox() *Toolbox {
	return &Toolbox{funcs: make(map[string]ToolFunc)}
}

// Register adds a tool. The schema must be a valid JSON Schema object;
// later registrations with the same name replace the function but keep
// the first definition.
func (t *Toolbox) Register(name, description string, schema json.RawMessage, fn ToolFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.funcs[name]; !exists {
		t.defs = append(t.defs, agent.ToolDefinition{
			Name:        name,
			Description: description,
			InputSchema: schema,
		})
	}
	t.funcs[name] = fn
}

// Definitions returns the tool definitions for backend requests.
func (t *Toolbox) Definitions() []agent.ToolDefinition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]agent.ToolDefinition, len(t.defs))
	copy(out, t.defs)
	return out
}

// Execute runs a registered tool.
func (t *Toolbox) Execute(ctx context.Context, name string, input map[string]any) (string, error) {
	t.mu.RLock()
	fn, ok := t.funcs[name]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return fn(ctx, input)
}

// tickerSchema is the shared input schema for ticker-keyed tools.
var tickerSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"ticker": {"type": "string", "description": "Equity ticker symbol, e.g. AAPL"}
	},
	"required": ["ticker"]
}`)

// RegisterBuiltins wires the standard analysis tools against a market
// data source.
func RegisterBuiltins(t *Toolbox, source MarketDataSource) {
	t.Register("fetch_quote", "Fetch the latest quote for a ticker.", tickerSchema,
		func(ctx context.Context, input map[string]any) (string, error) {
			return source.Quote(ctx, stringField(input, "ticker"))
		})
	t.Register("fetch_fundamentals", "Fetch fundamental financial data for a ticker.", tickerSchema,
		func(ctx context.Context, input map[string]any) (string, error) {
			return source.Fundamentals(ctx, stringField(input, "ticker"))
		})
	t.Register("fetch_filings", "Fetch recent regulatory filings for a ticker.", tickerSchema,
		func(ctx context.Context, input map[string]any) (string, error) {
			return source.Filings(ctx, stringField(input, "ticker"))
		})
}

// MarketDataSource abstracts the upstream market data provider.
type MarketDataSource interface {
	Quote(ctx context.Context, ticker string) (string, error)
	Fundamentals(ctx context.Context, ticker string) (string, error)
	Filings(ctx context.Context, ticker string) (string, error)
}

func stringField(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}
