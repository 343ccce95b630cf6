// Package budget provides the per-session tool cost ledger.
//
// A session's budget is configured at most once, before its first tool
// call. Debits are atomic per session id: the invariant used <= limit
// holds after every successful debit, and a debit that would violate it
// is rejected without committing.
package budget

import (
	"fmt"
	"sync"
)

// DefaultToolCost is charged for tools without an explicit cost entry.
const DefaultToolCost = 1.0

// ExceededError is returned when a debit would push usage past the limit.
// It carries the current usage for user-facing messaging.
type ExceededError struct {
	SessionID string
	Tool      string
	Cost      float64
	Used      float64
	Limit     float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget: tool %q costs %.2f but session %s has used %.2f of %.2f",
		e.Tool, e.Cost, e.SessionID, e.Used, e.Limit)
}

// Config is the budget supplied per session before first tool use.
// Absence of a configured budget implies unlimited tool use.
type Config struct {
	// Limit is the maximum total cost the session may consume.
	Limit float64 `yaml:"limit"`

	// ToolCosts maps tool names to their cost. Unlisted tools are
	// charged DefaultCost.
	ToolCosts map[string]float64 `yaml:"tool_costs"`

	// DefaultCost is charged for tools missing from ToolCosts.
	// Zero means DefaultToolCost.
	DefaultCost float64 `yaml:"default_cost"`
}

type entry struct {
	mu        sync.Mutex
	limit     float64
	used      float64
	toolCosts map[string]float64
	fallback  float64
}

// Ledger tracks per-session budget usage.
//
// Thread Safety:
// Ledger is safe for concurrent use. Debits for the same session are
// serialized on a per-entry mutex; sessions never block one another.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*entry)}
}

// Configure sets the budget for a session id. It is set-at-most-once:
// a second call for the same id is a no-op and returns false, so a race
// between two configurations cannot move an in-use limit.
func (l *Ledger) Configure(sessionID string, cfg Config) bool {
	if sessionID == "" || cfg.Limit <= 0 {
		return false
	}
	fallback := cfg.DefaultCost
	if fallback <= 0 {
		fallback = DefaultToolCost
	}
	costs := make(map[string]float64, len(cfg.ToolCosts))
	for name, cost := range cfg.ToolCosts {
		costs[name] = cost
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.entries[sessionID]; exists {
		return false
	}
	l.entries[sessionID] = &entry{
		limit:     cfg.Limit,
		toolCosts: costs,
		fallback:  fallback,
	}
	return true
}

// Debit charges the session for one invocation of the named tool and
// returns the cost committed. Sessions without a configured budget are
// unlimited: the debit succeeds at zero cost. A debit that would exceed
// the limit returns *ExceededError and leaves usage unchanged.
func (l *Ledger) Debit(sessionID, tool string) (float64, error) {
	l.mu.RLock()
	e := l.entries[sessionID]
	l.mu.RUnlock()
	if e == nil {
		return 0, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cost, ok := e.toolCosts[tool]
	if !ok {
		cost = e.fallback
	}
	if e.used+cost > e.limit {
		return 0, &ExceededError{
			SessionID: sessionID,
			Tool:      tool,
			Cost:      cost,
			Used:      e.used,
			Limit:     e.limit,
		}
	}
	e.used += cost
	return cost, nil
}

// Usage reports the current usage and limit for a session.
// ok is false when no budget is configured.
func (l *Ledger) Usage(sessionID string) (used, limit float64, ok bool) {
	l.mu.RLock()
	e := l.entries[sessionID]
	l.mu.RUnlock()
	if e == nil {
		return 0, 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.used, e.limit, true
}

// Release drops the ledger entry for a session. Called when the session
// reaches a terminal state so the map does not grow unboundedly.
func (l *Ledger) Release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, sessionID)
}
