package circuitbreaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Manager hands out one breaker per provider, creating them lazily.
// It uses in-memory breakers unless configured with WithRedisClient.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
	config   Config
	now      func() time.Time
	factory  func(providerID string) CircuitBreaker
}

type ManagerOption func(*Manager)

// WithRedisClient shares state across gateway instances. All breakers reuse
// the given connection pool.
func WithRedisClient(client *redis.Client) ManagerOption {
	return func(m *Manager) {
		m.factory = func(providerID string) CircuitBreaker {
			return NewRedisWithClient(client, providerID, m.config, WithRedisClock(m.now))
		}
	}
}

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]CircuitBreaker),
		config:   cfg,
		now:      time.Now,
	}
	m.factory = func(providerID string) CircuitBreaker {
		return NewInMemoryWithClock(m.config, m.now)
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) Get(providerID string) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[providerID]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[providerID]; ok {
		return existing
	}

	cb = m.factory(providerID)
	m.breakers[providerID] = cb
	return cb
}

// States returns the state of every breaker created so far.
func (m *Manager) States(ctx context.Context) map[string]string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.breakers))
	for id := range m.breakers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	states := make(map[string]string, len(ids))
	for _, id := range ids {
		states[id] = m.Get(id).State(ctx).String()
	}
	return states
}

func (m *Manager) Reset(ctx context.Context, providerID string) error {
	return m.Get(providerID).Reset(ctx)
}
