// Package ratelimit limits requests per tenant per minute.
// It uses fixed one-minute windows aligned to the Unix minute, so every
// gateway instance agrees on window boundaries. Supports both in-memory
// (single instance) and Redis (distributed) backends.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter defines the interface for rate limiting backends.
// Every call counts against the window, including blocked ones. A request is
// blocked once the window count exceeds limit; limit <= 0 means unlimited.
type RateLimiter interface {
	Allow(ctx context.Context, tenantID string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

const windowDuration = time.Minute

func windowBounds(now time.Time) (minute int64, resetAt time.Time) {
	minute = now.Unix() / 60
	return minute, time.Unix((minute+1)*60, 0)
}

func decide(count int64, limit int) (bool, int) {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(limit), remaining
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock lets tests drive window boundaries.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// InMemoryRateLimiter implements rate limiting with a counter per tenant.
// Suitable for single-instance deployments.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*window
}

type window struct {
	minute int64
	count  int64
}

func NewInMemoryRateLimiter(opts ...Option) *InMemoryRateLimiter {
	o := buildOptions(opts)
	return &InMemoryRateLimiter{
		now:     o.now,
		windows: make(map[string]*window),
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, tenantID string, limit int) (bool, int, time.Time, error) {
	minute, resetAt := windowBounds(r.now())
	if limit <= 0 {
		return true, -1, resetAt, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[tenantID]
	if !ok || w.minute != minute {
		w = &window{minute: minute}
		r.windows[tenantID] = w
	}
	w.count++

	allowed, remaining := decide(w.count, limit)
	return allowed, remaining, resetAt, nil
}
