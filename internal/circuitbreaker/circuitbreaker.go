// Package circuitbreaker stops traffic to a provider after repeated failures.
//
// States:
//   - Closed: failures are counted in a fixed window that starts at the first failure
//   - Open: every call is refused until the cooldown elapses
//   - Half-Open: exactly one trial call is let through; its outcome closes or reopens
//
// A trial that never reports back releases its lease after another cooldown,
// so a lost trial cannot wedge the breaker.
//
// Implementations:
//   - InMemoryCircuitBreaker: single instance, guarded by a mutex
//   - RedisCircuitBreaker: shared across instances, Lua scripts for atomicity
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/gabztoo/Perpetuo/internal/domain"
)

// CircuitBreaker is satisfied by both backends.
type CircuitBreaker interface {
	// Allow returns nil when a call may proceed. In half-open state it grants
	// the single trial and refuses everyone else.
	Allow(ctx context.Context) error

	// RecordSuccess closes an open or half-open circuit. A success while
	// closed leaves the failure window untouched.
	RecordSuccess(ctx context.Context) Transition

	// RecordFailure counts a failure; reaching the threshold opens the
	// circuit, and a failed trial reopens it.
	RecordFailure(ctx context.Context) Transition

	State(ctx context.Context) State

	Reset(ctx context.Context) error
}

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Transition is the state change caused by a recorded outcome.
type Transition struct {
	From State
	To   State
}

func (t Transition) Opened() bool { return t.From != StateOpen && t.To == StateOpen }
func (t Transition) Closed() bool { return t.From != StateClosed && t.To == StateClosed }

type Config struct {
	FailureThreshold int           // failures within Window that open the circuit
	Window           time.Duration // failure counting window
	Cooldown         time.Duration // open time before a trial, and the trial lease
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
	}
}

type InMemoryCircuitBreaker struct {
	mu          sync.Mutex
	config      Config
	now         func() time.Time
	state       State
	failures    int
	windowStart time.Time
	openedAt    time.Time
	trialUntil  time.Time
}

func NewInMemory(cfg Config) *InMemoryCircuitBreaker {
	return NewInMemoryWithClock(cfg, time.Now)
}

// NewInMemoryWithClock lets tests drive time explicitly.
func NewInMemoryWithClock(cfg Config, now func() time.Time) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{
		config: cfg,
		now:    now,
		state:  StateClosed,
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	switch cb.state {
	case StateOpen:
		if now.Sub(cb.openedAt) < cb.config.Cooldown {
			return domain.ErrCircuitBreakerOpen
		}
		cb.state = StateHalfOpen
		cb.trialUntil = now.Add(cb.config.Cooldown)
		return nil
	case StateHalfOpen:
		if now.Before(cb.trialUntil) {
			return domain.ErrCircuitBreakerOpen
		}
		cb.trialUntil = now.Add(cb.config.Cooldown)
		return nil
	}

	return nil
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) Transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	from := cb.state
	if from != StateClosed {
		cb.state = StateClosed
		cb.failures = 0
		cb.windowStart = time.Time{}
		cb.trialUntil = time.Time{}
	}
	return Transition{From: from, To: cb.state}
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) Transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	from := cb.state

	switch cb.state {
	case StateClosed:
		if cb.failures == 0 || now.Sub(cb.windowStart) >= cb.config.Window {
			cb.failures = 0
			cb.windowStart = now
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = now
			cb.failures = 0
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = now
		cb.trialUntil = time.Time{}
	}

	return Transition{From: from, To: cb.state}
}

// State reports half-open for an open circuit whose cooldown has elapsed,
// even before a trial has been granted.
func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.Cooldown {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *InMemoryCircuitBreaker) Reset(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.windowStart = time.Time{}
	cb.openedAt = time.Time{}
	cb.trialUntil = time.Time{}
	return nil
}
