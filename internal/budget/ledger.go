package budget

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupeTTL bounds how long a request ID is remembered. It covers the whole
// UTC day a request is charged to plus a full day of retries.
const DedupeTTL = 48 * time.Hour

// Spend is one tenant's accounted usage for one UTC day.
type Spend struct {
	CostNanoUSD      int64
	PromptTokens     int64
	CompletionTokens int64
}

func (s Spend) CostUSD() float64 {
	return float64(s.CostNanoUSD) / 1e9
}

// ToNanoUSD converts a dollar amount to integer nano-dollars so counters can
// be incremented atomically without float drift.
func ToNanoUSD(usd float64) int64 {
	return int64(math.Round(usd * 1e9))
}

// Day is the UTC calendar day used as the budget period key.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Charge is a single successful request to account for.
type Charge struct {
	TenantID         string
	RequestID        string
	CostUSD          float64
	PromptTokens     int
	CompletionTokens int
	At               time.Time
}

// Ledger accumulates daily spend per tenant. Add is idempotent per request
// ID: a replayed charge reports applied=false and leaves the counters alone.
type Ledger interface {
	Add(ctx context.Context, c Charge) (applied bool, err error)
	Spent(ctx context.Context, tenantID string, day string) (Spend, error)
}

type InMemoryLedger struct {
	mu    sync.Mutex
	now   func() time.Time
	spend map[string]*Spend
	seen  map[string]time.Time
}

func NewInMemoryLedger(now func() time.Time) *InMemoryLedger {
	if now == nil {
		now = time.Now
	}
	return &InMemoryLedger{
		now:   now,
		spend: make(map[string]*Spend),
		seen:  make(map[string]time.Time),
	}
}

func (l *InMemoryLedger) Add(ctx context.Context, c Charge) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	if c.RequestID != "" {
		id := c.TenantID + ":" + c.RequestID
		if _, dup := l.seen[id]; dup {
			return false, nil
		}
		l.seen[id] = now.Add(DedupeTTL)
	}

	at := c.At
	if at.IsZero() {
		at = now
	}
	k := c.TenantID + ":" + Day(at)
	s, ok := l.spend[k]
	if !ok {
		s = &Spend{}
		l.spend[k] = s
	}
	s.CostNanoUSD += ToNanoUSD(c.CostUSD)
	s.PromptTokens += int64(c.PromptTokens)
	s.CompletionTokens += int64(c.CompletionTokens)
	return true, nil
}

func (l *InMemoryLedger) pruneLocked(now time.Time) {
	for id, expires := range l.seen {
		if now.After(expires) {
			delete(l.seen, id)
		}
	}
}

func (l *InMemoryLedger) Spent(ctx context.Context, tenantID string, day string) (Spend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.spend[tenantID+":"+day]; ok {
		return *s, nil
	}
	return Spend{}, nil
}

// Keys: [dedupe, usage hash]
// Args: [cost_nano, prompt_tokens, completion_tokens, ttl_ms]
// Returns: 1 when applied, 0 for a duplicate request ID
var addScript = redis.NewScript(`
if KEYS[1] ~= '' then
    if not redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[4]) then
        return 0
    end
end
redis.call('HINCRBY', KEYS[2], 'cost_nano', ARGV[1])
redis.call('HINCRBY', KEYS[2], 'prompt_tokens', ARGV[2])
redis.call('HINCRBY', KEYS[2], 'completion_tokens', ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return 1
`)

type RedisLedger struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisLedger(client *redis.Client, now func() time.Time) *RedisLedger {
	if now == nil {
		now = time.Now
	}
	return &RedisLedger{client: client, now: now}
}

func usageKey(tenantID, day string) string {
	return fmt.Sprintf("perpetuo:usage:%s:%s", tenantID, day)
}

// dedupeKey is scoped to the tenant so colliding IDs from different tenants
// are both charged.
func dedupeKey(tenantID, requestID string) string {
	if requestID == "" {
		return ""
	}
	return fmt.Sprintf("perpetuo:usage:dedupe:%s:%s", tenantID, requestID)
}

func (l *RedisLedger) Add(ctx context.Context, c Charge) (bool, error) {
	at := c.At
	if at.IsZero() {
		at = l.now()
	}

	res, err := addScript.Run(ctx, l.client,
		[]string{dedupeKey(c.TenantID, c.RequestID), usageKey(c.TenantID, Day(at))},
		ToNanoUSD(c.CostUSD),
		c.PromptTokens,
		c.CompletionTokens,
		DedupeTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("budget ledger add: %w", err)
	}
	return res == 1, nil
}

func (l *RedisLedger) Spent(ctx context.Context, tenantID string, day string) (Spend, error) {
	vals, err := l.client.HMGet(ctx, usageKey(tenantID, day), "cost_nano", "prompt_tokens", "completion_tokens").Result()
	if err != nil {
		return Spend{}, fmt.Errorf("budget ledger read: %w", err)
	}

	return Spend{
		CostNanoUSD:      parseCounter(vals, 0),
		PromptTokens:     parseCounter(vals, 1),
		CompletionTokens: parseCounter(vals, 2),
	}, nil
}

func parseCounter(vals []interface{}, i int) int64 {
	if i >= len(vals) {
		return 0
	}
	s, ok := vals[i].(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
