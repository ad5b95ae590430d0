// Package tenantconfig caches per-tenant routing policies fetched from the
// management service.
//
// A fresh entry is served from memory. An expired or missing entry triggers
// a fetch; when the fetch fails, the last known copy is served (stale) so a
// management-service outage degrades routing instead of breaking it.
package tenantconfig

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/gabztoo/Perpetuo/internal/metrics"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultTTL          = 60 * time.Second
	DefaultFetchTimeout = 2 * time.Second
)

type entry struct {
	fetchedAt time.Time
	policy    *domain.TenantPolicy
}

type Manager struct {
	fetcher Fetcher
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry

	group     singleflight.Group
	staleWarn rate.Sometimes
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
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

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(fetcher Fetcher, opts ...Option) *Manager {
	m := &Manager{
		fetcher:   fetcher,
		ttl:       DefaultTTL,
		timeout:   DefaultFetchTimeout,
		now:       time.Now,
		logger:    slog.Default(),
		entries:   make(map[string]entry),
		staleWarn: rate.Sometimes{Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetTenantConfig returns the tenant's policy and whether one is available.
// It never returns an error: fetch failures fall back to the stale copy, and
// with no copy at all the caller gets (nil, false).
func (m *Manager) GetTenantConfig(ctx context.Context, tenantID string) (*domain.TenantPolicy, bool) {
	m.mu.RLock()
	cached, ok := m.entries[tenantID]
	m.mu.RUnlock()

	if ok && m.now().Sub(cached.fetchedAt) < m.ttl {
		metrics.RecordConfigFetch("hit")
		return cached.policy, true
	}

	v, err, _ := m.group.Do(tenantID, func() (interface{}, error) {
		return m.fetch(ctx, tenantID)
	})
	if err == nil {
		metrics.RecordConfigFetch("fetched")
		return v.(*domain.TenantPolicy), true
	}

	m.mu.RLock()
	stale, ok := m.entries[tenantID]
	m.mu.RUnlock()

	if ok {
		metrics.RecordConfigFetch("stale")
		m.staleWarn.Do(func() {
			m.logger.Warn("tenant config fetch failed, serving stale copy",
				"tenant_id", tenantID,
				"age", m.now().Sub(stale.fetchedAt).String(),
				"error", err,
			)
		})
		return stale.policy, true
	}

	metrics.RecordConfigFetch("miss")
	m.logger.Error("tenant config fetch failed and no cached copy is available",
		"tenant_id", tenantID,
		"error", err,
	)
	return nil, false
}

// The fetch is detached from the caller's cancellation: other callers may be
// waiting on the same single-flight result.
func (m *Manager) fetch(ctx context.Context, tenantID string) (*domain.TenantPolicy, error) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	policy, err := m.fetcher.Fetch(fetchCtx, tenantID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.entries[tenantID] = entry{fetchedAt: m.now(), policy: policy}
	m.mu.Unlock()

	m.logger.Debug("tenant config refreshed", "tenant_id", tenantID)
	return policy, nil
}

// Invalidate drops the cached entry, stale copy included.
func (m *Manager) Invalidate(tenantID string) {
	m.mu.Lock()
	delete(m.entries, tenantID)
	m.mu.Unlock()
	m.group.Forget(tenantID)
}

// Ping checks the management service when the fetcher supports it. Fetchers
// without a health endpoint always report healthy.
func (m *Manager) Ping(ctx context.Context) error {
	p, ok := m.fetcher.(interface {
		Ping(ctx context.Context) error
	})
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return p.Ping(ctx)
}
