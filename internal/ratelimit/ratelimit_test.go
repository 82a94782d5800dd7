package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_UnlimitedWhenRateZero(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("anyone"); err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
	}
}

func TestLimiter_BurstExhaustion(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("key-1"); err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
	}
	if err := l.Allow("key-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}
}

func TestLimiter_CallersAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("key-1"); err != nil {
		t.Fatalf("key-1: %v", err)
	}
	if err := l.Allow("key-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("key-1 second call = %v, want ErrRateLimited", err)
	}
	if err := l.Allow("key-2"); err != nil {
		t.Fatalf("key-2 should have its own bucket: %v", err)
	}
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 6000, BurstSize: 1}) // 100 tokens/s

	if err := l.Allow("key-1"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := l.Allow("key-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("bucket should be empty: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := l.Allow("key-1"); err != nil {
		t.Fatalf("bucket should have refilled: %v", err)
	}
}

func TestLimiter_AllowSweepsIdleBuckets(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60})

	if err := l.Allow("stale"); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	// Age the stale bucket past the TTL and make the next Allow due for a
	// sweep.
	l.mu.Lock()
	l.callers["stale"].lastFill = time.Now().Add(-2 * bucketIdleTTL)
	l.lastSweep = time.Now().Add(-2 * sweepInterval)
	l.mu.Unlock()

	if err := l.Allow("fresh"); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	l.mu.Lock()
	_, staleKept := l.callers["stale"]
	_, freshKept := l.callers["fresh"]
	l.mu.Unlock()
	if staleKept {
		t.Error("idle bucket survived the sweep")
	}
	if !freshKept {
		t.Error("active bucket was swept")
	}
}

func TestLimiter_Prune(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60})

	if err := l.Allow("stale"); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if removed := l.Prune(0); removed != 1 {
		t.Errorf("pruned = %d, want 1", removed)
	}
	if removed := l.Prune(time.Hour); removed != 0 {
		t.Errorf("pruned = %d, want 0 on empty map", removed)
	}
}
