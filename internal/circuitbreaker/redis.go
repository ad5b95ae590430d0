package circuitbreaker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Time is passed in as ARGV (milliseconds) so every instance agrees on the
// clock used for a decision and tests can drive it.

// allowScript decides whether a call may proceed.
// Keys: [state, opened_at, trial]
// Args: [now_ms, cooldown_ms]
// Returns: "allow", "trial" or "open"
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])

if state == 'closed' then
    return 'allow'
end

if state == 'open' then
    local openedAt = tonumber(redis.call('GET', KEYS[2]) or '0')
    if (now - openedAt) < cooldown then
        return 'open'
    end
    redis.call('SET', KEYS[1], 'half-open')
    redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[2])
    return 'trial'
end

if redis.call('SET', KEYS[3], ARGV[1], 'NX', 'PX', ARGV[2]) then
    return 'trial'
end
return 'open'
`)

// recordSuccessScript closes any non-closed circuit.
// Keys: [state, failures, opened_at, trial]
// Returns: {from, to}
var recordSuccessScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
if state == 'closed' then
    return {'closed', 'closed'}
end
redis.call('SET', KEYS[1], 'closed')
redis.call('DEL', KEYS[2], KEYS[3], KEYS[4])
return {state, 'closed'}
`)

// recordFailureScript counts a failure and opens the circuit when needed.
// Keys: [state, failures, opened_at, trial]
// Args: [now_ms, failure_threshold, window_ms]
// Returns: {from, to}
var recordFailureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'

if state == 'half-open' then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[3], ARGV[1])
    redis.call('DEL', KEYS[4])
    return {'half-open', 'open'}
end

if state == 'open' then
    return {'open', 'open'}
end

local failures = redis.call('INCR', KEYS[2])
if failures == 1 then
    redis.call('PEXPIRE', KEYS[2], ARGV[3])
end

if failures >= tonumber(ARGV[2]) then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[3], ARGV[1])
    redis.call('DEL', KEYS[2])
    return {'closed', 'open'}
end

return {'closed', 'closed'}
`)

// RedisCircuitBreaker keeps breaker state in Redis so all gateway instances
// see the same circuit.
type RedisCircuitBreaker struct {
	client     *redis.Client
	providerID string
	config     Config
	keyPrefix  string
	now        func() time.Time
}

type RedisOption func(*RedisCircuitBreaker)

func WithRedisClock(now func() time.Time) RedisOption {
	return func(cb *RedisCircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

func NewRedisWithClient(client *redis.Client, providerID string, cfg Config, opts ...RedisOption) *RedisCircuitBreaker {
	cb := &RedisCircuitBreaker{
		client:     client,
		providerID: providerID,
		config:     cfg,
		keyPrefix:  fmt.Sprintf("perpetuo:cb:%s:", providerID),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func (cb *RedisCircuitBreaker) stateKey() string    { return cb.keyPrefix + "state" }
func (cb *RedisCircuitBreaker) failuresKey() string { return cb.keyPrefix + "failures" }
func (cb *RedisCircuitBreaker) openedAtKey() string { return cb.keyPrefix + "opened_at" }
func (cb *RedisCircuitBreaker) trialKey() string    { return cb.keyPrefix + "trial" }

func (cb *RedisCircuitBreaker) allKeys() []string {
	return []string{cb.stateKey(), cb.failuresKey(), cb.openedAtKey(), cb.trialKey()}
}

// Allow fails open on Redis errors: an unreachable store must not take every
// provider out of rotation.
func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	keys := []string{cb.stateKey(), cb.openedAtKey(), cb.trialKey()}
	result, err := allowScript.Run(ctx, cb.client, keys,
		cb.now().UnixMilli(),
		cb.config.Cooldown.Milliseconds(),
	).Text()
	if err != nil {
		slog.Warn("circuit breaker allow failed, allowing request",
			"provider", cb.providerID,
			"error", err,
		)
		return nil
	}

	if result == "open" {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) Transition {
	res, err := recordSuccessScript.Run(ctx, cb.client, cb.allKeys()).StringSlice()
	if err != nil {
		slog.Warn("circuit breaker record success failed", "provider", cb.providerID, "error", err)
		return Transition{From: StateClosed, To: StateClosed}
	}
	return toTransition(res)
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) Transition {
	res, err := recordFailureScript.Run(ctx, cb.client, cb.allKeys(),
		cb.now().UnixMilli(),
		cb.config.FailureThreshold,
		cb.config.Window.Milliseconds(),
	).StringSlice()
	if err != nil {
		slog.Warn("circuit breaker record failure failed", "provider", cb.providerID, "error", err)
		return Transition{From: StateClosed, To: StateClosed}
	}
	return toTransition(res)
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	vals, err := cb.client.MGet(ctx, cb.stateKey(), cb.openedAtKey()).Result()
	if err != nil || len(vals) != 2 {
		return StateClosed
	}

	raw, _ := vals[0].(string)
	state := parseState(raw)
	if state == StateOpen {
		openedRaw, _ := vals[1].(string)
		openedAt, _ := strconv.ParseInt(openedRaw, 10, 64)
		if cb.now().UnixMilli()-openedAt >= cb.config.Cooldown.Milliseconds() {
			return StateHalfOpen
		}
	}
	return state
}

func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	return cb.client.Del(ctx, cb.allKeys()...).Err()
}

func toTransition(res []string) Transition {
	if len(res) != 2 {
		return Transition{From: StateClosed, To: StateClosed}
	}
	return Transition{From: parseState(res[0]), To: parseState(res[1])}
}
