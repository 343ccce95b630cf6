package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// StaticMarketData is a MarketDataSource backed by fixture data. It
// serves demo deployments and tests; production wires a real provider
// behind the same interface.
type StaticMarketData struct {
	mu       sync.RWMutex
	fixtures map[string]map[string]string
}

func NewStaticMarketData() *StaticMarketData {
	return &StaticMarketData{fixtures: make(map[string]map[string]string)}
}

// Load sets the fixture payload for one ticker and kind ("quote",
// "fundamentals", "filings").
func (s *StaticMarketData) Load(ticker, kind, payload string) {
	ticker = strings.ToUpper(ticker)
	s.mu.Lock()
	defer s.mu.Unlock()
	byKind, ok := s.fixtures[ticker]
	if !ok {
		byKind = make(map[string]string)
		s.fixtures[ticker] = byKind
	}
	byKind[kind] = payload
}

// LoadJSON is Load with a JSON-serializable value.
func (s *StaticMarketData) LoadJSON(ticker, kind string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.Load(ticker, kind, string(raw))
	return nil
}

func (s *StaticMarketData) Quote(ctx context.Context, ticker string) (string, error) {
	return s.lookup(ticker, "quote")
}

func (s *StaticMarketData) Fundamentals(ctx context.Context, ticker string) (string, error) {
	return s.lookup(ticker, "fundamentals")
}

func (s *StaticMarketData) Filings(ctx context.Context, ticker string) (string, error) {
	return s.lookup(ticker, "filings")
}

func (s *StaticMarketData) lookup(ticker, kind string) (string, error) {
	ticker = strings.ToUpper(ticker)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if byKind, ok := s.fixtures[ticker]; ok {
		if payload, ok := byKind[kind]; ok {
			return payload, nil
		}
	}
	return "", fmt.Errorf("no %s data for %s", kind, ticker)
}
