package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// The expiry outlives the window slightly so a late INCR from a skewed
// instance still lands in a live key.
const keyTTL = 65 * time.Second

// Keys: [counter]
// Args: [ttl_ms]
// Returns: count after increment
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

type RedisRateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisRateLimiter(client *redis.Client, opts ...Option) *RedisRateLimiter {
	o := buildOptions(opts)
	return &RedisRateLimiter{client: client, now: o.now}
}

func key(tenantID string, minute int64) string {
	return fmt.Sprintf("perpetuo:ratelimit:%s:%d", tenantID, minute)
}

func (r *RedisRateLimiter) Allow(ctx context.Context, tenantID string, limit int) (bool, int, time.Time, error) {
	minute, resetAt := windowBounds(r.now())
	if limit <= 0 {
		return true, -1, resetAt, nil
	}

	count, err := incrScript.Run(ctx, r.client, []string{key(tenantID, minute)}, keyTTL.Milliseconds()).Int64()
	if err != nil {
		return true, limit, resetAt, fmt.Errorf("rate limit increment: %w", err)
	}

	allowed, remaining := decide(count, limit)
	return allowed, remaining, resetAt, nil
}
