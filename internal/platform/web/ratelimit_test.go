package web

import (
	"context"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, rate, capacity float64) (*RateLimiter, *time.Time) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rl := NewRateLimiter(ctx, rate, capacity)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestAllow_Burst(t *testing.T) {
	rl, _ := newTestLimiter(t, 1, 3)
	for i := 0; i < 3; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("request %d should pass within the burst", i+1)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Fatalf("fourth request should be limited")
	}
	if !rl.Allow("5.6.7.8") {
		t.Fatalf("other clients have their own bucket")
	}
}

func TestAllow_Refill(t *testing.T) {
	rl, now := newTestLimiter(t, 2, 1)
	if !rl.Allow("ip") || rl.Allow("ip") {
		t.Fatalf("expected one token then empty")
	}
	*now = now.Add(500 * time.Millisecond)
	if !rl.Allow("ip") {
		t.Fatalf("bucket should have refilled one token")
	}
	*now = now.Add(time.Hour)
	if !rl.Allow("ip") || rl.Allow("ip") {
		t.Fatalf("refill must be capped at capacity")
	}
}

func TestEvictIdle(t *testing.T) {
	rl, now := newTestLimiter(t, 1, 1)
	rl.Allow("old")
	*now = now.Add(time.Minute)
	rl.Allow("new")
	*now = now.Add(2 * time.Minute)

	if n := rl.evictIdle(150 * time.Second); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if _, ok := rl.buckets["new"]; !ok {
		t.Fatalf("recent bucket must be kept")
	}
}
