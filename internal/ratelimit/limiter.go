// Package ratelimit provides token bucket rate limiting for outbound
// calls to throttled upstream APIs.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Config configures the keyed limiter.
type Config struct {
	// Capacity is the default bucket capacity (burst size) in tokens.
	Capacity float64 `yaml:"capacity"`

	// RefillRate is the default refill rate in tokens per second.
	RefillRate float64 `yaml:"refill_rate"`

	// StaleAfter is how long an untouched bucket survives before the
	// sweep evicts it. Bounds memory when keys come from unbounded
	// inputs such as per-ticker keys.
	StaleAfter time.Duration `yaml:"-"`
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:   10,
		RefillRate: 1,
		StaleAfter: 10 * time.Minute,
	}
}

// maxWaitSlice caps a single WaitForTokens sleep so a large deficit still
// re-checks at least once per second.
const maxWaitSlice = time.Second

// Bucket implements a single token bucket with lazy, access-time refill.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

func newBucket(capacity, refillRate float64, now time.Time) *Bucket {
	return &Bucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: refillRate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// take refills the bucket, then debits cost tokens if available.
func (b *Bucket) take(cost float64, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	b.lastUsed = now

	if b.tokens >= cost {
		b.tokens -= cost
		return true
	}
	return false
}

// refill grants whole tokens accrued since lastRefill (must be called with
// the lock held). lastRefill advances only by the time backing the granted
// tokens, so fractional accrual is never lost to pollers that check more
// often than one token period.
func (b *Bucket) refill(now time.Time) {
	if b.refillRate <= 0 {
		return
	}
	if b.tokens >= b.capacity {
		b.lastRefill = now
		return
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	grant := math.Floor(elapsed * b.refillRate)
	if grant <= 0 {
		return
	}
	b.tokens += grant
	if b.tokens >= b.capacity {
		b.tokens = b.capacity
		b.lastRefill = now
		return
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(grant / b.refillRate * float64(time.Second)))
}

// snapshot returns current tokens after a refill.
func (b *Bucket) snapshot(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	return b.tokens
}

// Status reports per-key limiter state for observability.
type Status struct {
	Key        string  `json:"key"`
	Tokens     float64 `json:"tokens"`
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
}

// Limiter manages token buckets keyed by resource name. Buckets are
// created lazily with the default capacity and refill rate, or with
// explicit per-call overrides.
//
// Thread Safety:
// Limiter is safe for concurrent use; same-key debits serialize on the
// bucket mutex, different keys never contend.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	cfg     Config
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewLimiter creates a new keyed limiter.
func NewLimiter(cfg Config, logger *slog.Logger) *Limiter {
	defaults := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaults.Capacity
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = defaults.RefillRate
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		buckets: make(map[string]*Bucket),
		cfg:     cfg,
		logger:  logger.With("component", "ratelimit"),
		nowFunc: time.Now,
	}
}

// SetNowFunc sets a custom time function for testing.
func (l *Limiter) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		l.nowFunc = fn
	}
}

// CheckLimit refills the bucket for key, then atomically debits cost
// tokens if available. It never blocks.
func (l *Limiter) CheckLimit(key string, cost float64) bool {
	return l.CheckLimitWith(key, cost, l.cfg.Capacity, l.cfg.RefillRate)
}

// CheckLimitWith is CheckLimit with explicit capacity and refill rate
// used when the bucket is first created for this key.
func (l *Limiter) CheckLimitWith(key string, cost, capacity, refillRate float64) bool {
	if cost <= 0 {
		return true
	}
	return l.getBucket(key, capacity, refillRate).take(cost, l.nowFunc())
}

// WaitForTokens repeatedly attempts CheckLimit until it succeeds or
// maxWait elapses, returning false on timeout. Between attempts it sleeps
// ceil(deficit/rate) seconds capped at one second, cooperatively via the
// context so other sessions' work is never starved. A false return is a
// retryable rate-limit condition, never an error.
func (l *Limiter) WaitForTokens(ctx context.Context, key string, cost float64, maxWait time.Duration) bool {
	deadline := l.nowFunc().Add(maxWait)

	for {
		if l.CheckLimit(key, cost) {
			return true
		}

		now := l.nowFunc()
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return false
		}

		b := l.getBucket(key, l.cfg.Capacity, l.cfg.RefillRate)
		tokens := b.snapshot(now)
		deficit := cost - tokens
		if deficit < 0 {
			deficit = 0
		}
		sleep := time.Duration(math.Ceil(deficit/b.refillRate*1000)) * time.Millisecond
		if sleep > maxWaitSlice {
			sleep = maxWaitSlice
		}
		if sleep > remaining {
			sleep = remaining
		}
		if sleep <= 0 {
			sleep = time.Millisecond
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(sleep):
		}
	}
}

// Status returns the current state of the bucket for key.
func (l *Limiter) Status(key string) Status {
	b := l.getBucket(key, l.cfg.Capacity, l.cfg.RefillRate)
	return Status{
		Key:        key,
		Tokens:     b.snapshot(l.nowFunc()),
		Capacity:   b.capacity,
		RefillRate: b.refillRate,
	}
}

// Sweep evicts buckets idle longer than the stale threshold and returns
// the number removed.
func (l *Limiter) Sweep() int {
	now := l.nowFunc()
	cutoff := now.Add(-l.cfg.StaleAfter)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		stale := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(l.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("evicted stale buckets", "count", removed)
	}
	return removed
}

// StartSweeper runs Sweep on the given interval until the returned stop
// function is called.
func (l *Limiter) StartSweeper(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
	return func() { close(done) }
}

// getBucket returns or lazily creates the bucket for key.
func (l *Limiter) getBucket(key string, capacity, refillRate float64) *Bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok = l.buckets[key]; ok {
		return b
	}
	if capacity <= 0 {
		capacity = l.cfg.Capacity
	}
	if refillRate <= 0 {
		refillRate = l.cfg.RefillRate
	}
	b = newBucket(capacity, refillRate, l.nowFunc())
	l.buckets[key] = b
	return b
}
