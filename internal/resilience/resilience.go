// Package resilience decides whether a provider may be called right now and
// remembers successful responses for idempotent replay.
package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/gabztoo/Perpetuo/internal/circuitbreaker"
	"github.com/gabztoo/Perpetuo/internal/idempotency"
	"github.com/gabztoo/Perpetuo/internal/metrics"
	"github.com/gabztoo/Perpetuo/internal/notifications"
)

type Manager struct {
	breakers *circuitbreaker.Manager
	store    idempotency.Store
	ttl      time.Duration
	notifier notifications.Notifier
	now      func() time.Time
}

type Option func(*Manager)

// WithNotifier publishes provider_down and provider_up when a circuit opens
// or closes.
func WithNotifier(n notifications.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(breakers *circuitbreaker.Manager, store idempotency.Store, opts ...Option) *Manager {
	m := &Manager{
		breakers: breakers,
		store:    store,
		ttl:      idempotency.DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ShouldBlockProvider reports whether the provider's circuit refuses a call.
// When the circuit is half-open, a false result means this caller holds the
// single trial and must report its outcome.
func (m *Manager) ShouldBlockProvider(ctx context.Context, provider string) bool {
	cb := m.breakers.Get(provider)
	blocked := cb.Allow(ctx) != nil
	metrics.SetCircuitBreakerState(provider, int(cb.State(ctx)))
	return blocked
}

func (m *Manager) RecordFailure(ctx context.Context, provider string) {
	tr := m.breakers.Get(provider).RecordFailure(ctx)
	metrics.SetCircuitBreakerState(provider, int(tr.To))

	if tr.Opened() {
		slog.Warn("circuit opened", "provider", provider, "from", tr.From.String())
		m.notify(notifications.ProviderDown(provider, m.now()))
	}
}

func (m *Manager) RecordSuccess(ctx context.Context, provider string) {
	tr := m.breakers.Get(provider).RecordSuccess(ctx)
	metrics.SetCircuitBreakerState(provider, int(tr.To))

	if tr.Closed() {
		slog.Info("circuit closed", "provider", provider, "from", tr.From.String())
		m.notify(notifications.ProviderUp(provider, m.now()))
	}
}

func (m *Manager) notify(n notifications.Notification) {
	if m.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.notifier.Send(ctx, n); err != nil {
			slog.Error("circuit notification failed", "type", n.Type, "provider", n.Provider, "error", err)
		}
	}()
}

// CircuitStates returns the state name of every provider seen so far.
func (m *Manager) CircuitStates(ctx context.Context) map[string]string {
	return m.breakers.States(ctx)
}

func (m *Manager) ResetCircuit(ctx context.Context, provider string) error {
	if err := m.breakers.Reset(ctx, provider); err != nil {
		return err
	}
	metrics.SetCircuitBreakerState(provider, int(circuitbreaker.StateClosed))
	slog.Info("circuit reset", "provider", provider)
	return nil
}

// GetIdempotencyResult returns the stored response bytes for key. Store
// errors are treated as a miss.
func (m *Manager) GetIdempotencyResult(ctx context.Context, key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}
	body, ok, err := m.store.Get(ctx, key)
	if err != nil {
		slog.Warn("idempotency lookup failed", "error", err)
		return nil, false
	}
	if ok {
		metrics.RecordIdempotencyHit()
	}
	return body, ok
}

// SaveIdempotencyResult stores body under key unless a record already exists.
func (m *Manager) SaveIdempotencyResult(ctx context.Context, key string, body []byte) error {
	if key == "" {
		return nil
	}
	stored, err := m.store.Save(ctx, key, body, m.ttl)
	if err != nil {
		return err
	}
	if !stored {
		slog.Debug("idempotency record already present")
	}
	return nil
}
