package ratelimit

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)}
}

func TestInMemoryRateLimiter_Allow(t *testing.T) {
	rl := NewInMemoryRateLimiter(WithClock(newFakeClock().Now))
	ctx := context.Background()

	allowed, remaining, _, err := rl.Allow(ctx, "tenant1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected allowed to be true")
	}
	if remaining != 2 {
		t.Errorf("expected remaining 2, got %d", remaining)
	}

	rl.Allow(ctx, "tenant1", 3)
	allowed, remaining, _, _ = rl.Allow(ctx, "tenant1", 3)
	if !allowed || remaining != 0 {
		t.Errorf("third request: allowed=%v remaining=%d, want true 0", allowed, remaining)
	}

	allowed, remaining, _, _ = rl.Allow(ctx, "tenant1", 3)
	if allowed {
		t.Error("expected the limit+1-th request to be blocked")
	}
	if remaining != 0 {
		t.Errorf("expected remaining 0, got %d", remaining)
	}
}

func TestInMemoryRateLimiter_DifferentTenants(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	rl.Allow(ctx, "tenant1", 1)

	if allowed, _, _, _ := rl.Allow(ctx, "tenant1", 1); allowed {
		t.Error("tenant1 should be rate limited")
	}
	if allowed, _, _, _ := rl.Allow(ctx, "tenant2", 1); !allowed {
		t.Error("tenant2 should not be affected by tenant1")
	}
}

func TestInMemoryRateLimiter_ResetsNextWindow(t *testing.T) {
	clock := newFakeClock()
	rl := NewInMemoryRateLimiter(WithClock(clock.Now))
	ctx := context.Background()

	rl.Allow(ctx, "tenant1", 1)
	_, _, resetAt, _ := rl.Allow(ctx, "tenant1", 1)

	want := time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)
	if !resetAt.Equal(want) {
		t.Errorf("resetAt = %v, want %v", resetAt, want)
	}

	clock.Advance(55 * time.Second)
	if allowed, _, _, _ := rl.Allow(ctx, "tenant1", 1); !allowed {
		t.Error("expected a fresh window after the minute boundary")
	}
}

func TestInMemoryRateLimiter_Unlimited(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	for _, limit := range []int{0, -1} {
		for i := 0; i < 100; i++ {
			if allowed, _, _, _ := rl.Allow(ctx, "tenant1", limit); !allowed {
				t.Fatalf("limit %d should be unlimited", limit)
			}
		}
	}
}
