package ratelimit

import (
	"context"
	"testing"
	"time"
)

func newTestLimiter(capacity, refillRate float64) (*Limiter, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(Config{Capacity: capacity, RefillRate: refillRate, StaleAfter: 10 * time.Minute}, nil)
	l.SetNowFunc(func() time.Time { return now })
	return l, &now
}

func TestCheckLimitExhaustsBucket(t *testing.T) {
	l, _ := newTestLimiter(5, 1)

	for i := 0; i < 5; i++ {
		if !l.CheckLimit("chat-1", 1) {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	if l.CheckLimit("chat-1", 1) {
		t.Error("sixth request should be rejected")
	}
}

func TestRefillGrantsWholeTokens(t *testing.T) {
	l, now := newTestLimiter(5, 1)

	for i := 0; i < 5; i++ {
		l.CheckLimit("chat-1", 1)
	}

	*now = now.Add(500 * time.Millisecond)
	if l.CheckLimit("chat-1", 1) {
		t.Error("half a token should not admit a request")
	}

	*now = now.Add(600 * time.Millisecond)
	if !l.CheckLimit("chat-1", 1) {
		t.Error("one full second should refill one token")
	}
	if l.CheckLimit("chat-1", 1) {
		t.Error("the refilled token was already spent")
	}
}

func TestRefillCapsAtCapacity(t *testing.T) {
	l, now := newTestLimiter(3, 1)

	l.CheckLimit("chat-1", 1)
	*now = now.Add(time.Hour)

	for i := 0; i < 3; i++ {
		if !l.CheckLimit("chat-1", 1) {
			t.Fatalf("request %d should pass after long idle", i+1)
		}
	}
	if l.CheckLimit("chat-1", 1) {
		t.Error("bucket should not refill past capacity")
	}
}

func TestCheckLimitWithOverrides(t *testing.T) {
	l, _ := newTestLimiter(5, 1)

	if !l.CheckLimitWith("special", 1, 1, 0.1) {
		t.Fatal("first request against override bucket should pass")
	}
	if l.CheckLimitWith("special", 1, 1, 0.1) {
		t.Error("override capacity of 1 should reject the second request")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 1)

	if !l.CheckLimit("chat-1", 1) {
		t.Fatal("chat-1 should pass")
	}
	if !l.CheckLimit("chat-2", 1) {
		t.Error("chat-2 has its own bucket and should pass")
	}
}

func TestWaitForTokensZeroMaxWait(t *testing.T) {
	l, _ := newTestLimiter(1, 1)
	l.CheckLimit("chat-1", 1)

	start := time.Now()
	ok := l.WaitForTokens(context.Background(), "chat-1", 1, 0)
	if ok {
		t.Error("empty bucket with maxWait 0 should fail")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("WaitForTokens blocked for %v, want immediate return", elapsed)
	}
}

func TestWaitForTokensSucceedsAfterRefill(t *testing.T) {
	l := NewLimiter(Config{Capacity: 1, RefillRate: 20}, nil)
	l.CheckLimit("chat-1", 1)

	if !l.WaitForTokens(context.Background(), "chat-1", 1, time.Second) {
		t.Error("token refills within 50ms, wait should succeed")
	}
}

func TestWaitForTokensHonorsContext(t *testing.T) {
	l := NewLimiter(Config{Capacity: 1, RefillRate: 0.001}, nil)
	l.CheckLimit("chat-1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if l.WaitForTokens(ctx, "chat-1", 1, time.Minute) {
		t.Error("cancelled context should abort the wait")
	}
}

func TestStatus(t *testing.T) {
	l, _ := newTestLimiter(5, 2)
	l.CheckLimit("chat-1", 3)

	st := l.Status("chat-1")
	if st.Tokens != 2 {
		t.Errorf("Tokens = %v, want 2", st.Tokens)
	}
	if st.Capacity != 5 || st.RefillRate != 2 {
		t.Errorf("Status = %+v", st)
	}
}

func TestSweepEvictsStaleBuckets(t *testing.T) {
	l, now := newTestLimiter(5, 1)

	l.CheckLimit("stale", 1)
	*now = now.Add(11 * time.Minute)
	l.CheckLimit("fresh", 1)

	if evicted := l.Sweep(); evicted != 1 {
		t.Errorf("Sweep = %d, want 1", evicted)
	}
	// The evicted key gets a fresh bucket at full capacity.
	for i := 0; i < 5; i++ {
		if !l.CheckLimit("stale", 1) {
			t.Fatalf("request %d against recreated bucket should pass", i+1)
		}
	}
}
