package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestPutGet(t *testing.T) {
	c := NewResultCache(ResultCacheOptions{})

	c.Put("call-1", `{"price":42}`)

	got, ok := c.Get("call-1")
	if !ok || got != `{"price":42}` {
		t.Errorf("Get = (%q, %v)", got, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("unknown id should miss")
	}
}

func TestEntriesExpire(t *testing.T) {
	c := NewResultCache(ResultCacheOptions{TTL: time.Minute})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c.PutAt("call-1", "v", now)

	if _, ok := c.GetAt("call-1", now.Add(30*time.Second)); !ok {
		t.Error("entry expired early")
	}
	if _, ok := c.GetAt("call-1", now.Add(2*time.Minute)); ok {
		t.Error("entry should have expired")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0 after expired read", c.Len())
	}
}

func TestCleanup(t *testing.T) {
	c := NewResultCache(ResultCacheOptions{TTL: time.Minute})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c.PutAt("old", "v", now)
	c.PutAt("new", "v", now.Add(50*time.Second))

	if removed := c.Cleanup(now.Add(90 * time.Second)); removed != 1 {
		t.Errorf("Cleanup = %d, want 1", removed)
	}
	if _, ok := c.GetAt("new", now.Add(90*time.Second)); !ok {
		t.Error("fresh entry removed by cleanup")
	}
}

func TestEvictsOldestWhenFull(t *testing.T) {
	c := NewResultCache(ResultCacheOptions{MaxSize: 3})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		c.PutAt(fmt.Sprintf("call-%d", i), "v", now.Add(time.Duration(i)*time.Second))
	}
	c.PutAt("call-3", "v", now.Add(10*time.Second))

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if _, ok := c.GetAt("call-0", now.Add(11*time.Second)); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.GetAt("call-3", now.Add(11*time.Second)); !ok {
		t.Error("newest entry missing")
	}
}
