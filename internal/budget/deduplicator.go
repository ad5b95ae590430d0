package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator makes sure a budget alert level is dispatched once per
// tenant per day even with several gateway instances running.
type AlertDeduplicator interface {
	// ShouldAlert reports true only for the first caller to claim the level.
	ShouldAlert(ctx context.Context, tenantID, day string, level AlertLevel) bool

	// ClearAlert forgets every level claimed for the tenant on that day, for
	// when spend drops back under the warning threshold (e.g. budget raised).
	ClearAlert(ctx context.Context, tenantID, day string)
}

type InMemoryDeduplicator struct {
	mu   sync.Mutex
	sent map[string]struct{}
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		sent: make(map[string]struct{}),
	}
}

func alertKey(tenantID, day string, level AlertLevel) string {
	return fmt.Sprintf("perpetuo:budget:alert:%s:%s:%s", tenantID, day, level)
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, tenantID, day string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := alertKey(tenantID, day, level)
	if _, ok := d.sent[k]; ok {
		return false
	}
	d.sent[k] = struct{}{}
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, tenantID, day string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, level := range alertLevels {
		delete(d.sent, alertKey(tenantID, day, level))
	}
}

type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedisDeduplicator keeps claims for lockTTL; anything above a day works
// since the day is part of the key.
func NewRedisDeduplicator(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}
}

// ShouldAlert uses SETNX so only one instance wins the claim. On Redis
// errors the alert is allowed: a duplicate alert beats a lost one.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, tenantID, day string, level AlertLevel) bool {
	acquired, err := d.client.SetNX(ctx, alertKey(tenantID, day, level), time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, tenantID, day string) {
	keys := make([]string, 0, len(alertLevels))
	for _, level := range alertLevels {
		keys = append(keys, alertKey(tenantID, day, level))
	}
	d.client.Del(ctx, keys...)
}
