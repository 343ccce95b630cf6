// Package cache provides a bounded-lifetime store for redacted tool results.
package cache

import (
	"sync"
	"time"
)

// ResultCache keeps redacted tool result content keyed by tool-invocation
// id for a limited time. Entries expire after TTL and the cache holds at
// most MaxSize entries, evicting the oldest when full.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]resultEntry
	ttl     time.Duration
	maxSize int
}

type resultEntry struct {
	content  string
	storedAt int64 // unix millis
}

// ResultCacheOptions configures the cache.
type ResultCacheOptions struct {
	TTL     time.Duration
	MaxSize int
}

// NewResultCache creates a new result cache.
func NewResultCache(opts ResultCacheOptions) *ResultCache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &ResultCache{
		entries: make(map[string]resultEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Put stores content under the given call id, evicting the oldest entry
// if the cache is full.
func (c *ResultCache) Put(callID, content string) {
	c.PutAt(callID, content, time.Now())
}

// PutAt stores content with an explicit timestamp (for testing).
func (c *ResultCache) PutAt(callID, content string, now time.Time) {
	if callID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[callID] = resultEntry{content: content, storedAt: now.UnixMilli()}
}

// Get returns the cached content for a call id if it has not expired.
func (c *ResultCache) Get(callID string) (string, bool) {
	return c.GetAt(callID, time.Now())
}

// GetAt looks up with an explicit timestamp (for testing).
func (c *ResultCache) GetAt(callID string, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[callID]
	if !ok {
		return "", false
	}
	if now.UnixMilli()-e.storedAt >= c.ttl.Milliseconds() {
		delete(c.entries, callID)
		return "", false
	}
	return e.content, true
}

// Len returns the number of live entries, including any not yet swept.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cleanup removes expired entries and returns the number removed.
func (c *ResultCache) Cleanup(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.UnixMilli() - c.ttl.Milliseconds()
	removed := 0
	for id, e := range c.entries {
		if e.storedAt <= cutoff {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// evictOldest removes the entry with the smallest timestamp (lock held).
func (c *ResultCache) evictOldest() {
	var oldestID string
	var oldestAt int64
	first := true
	for id, e := range c.entries {
		if first || e.storedAt < oldestAt {
			oldestID = id
			oldestAt = e.storedAt
			first = false
		}
	}
	if oldestID != "" {
		delete(c.entries, oldestID)
	}
}
