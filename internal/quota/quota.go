// Package quota enforces per-tenant request rate and daily spend limits.
//
// Every store error fails open: the request proceeds and the error is
// logged. Losing an increment is acceptable; blocking a legitimate request
// because Redis hiccuped is not.
package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/gabztoo/Perpetuo/internal/budget"
	"github.com/gabztoo/Perpetuo/internal/ratelimit"
)

type RateDecision struct {
	Blocked   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the time left in the current window, rounded up to seconds.
func (d RateDecision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Seconds() + 0.999)
	if secs < 1 {
		return 1
	}
	return secs
}

type BudgetDecision struct {
	Blocked   bool
	SpentUSD  float64
	BudgetUSD float64
}

// Usage is what a successful request consumed.
type Usage struct {
	TenantID         string
	RequestID        string
	CostUSD          float64
	PromptTokens     int
	CompletionTokens int
	At               time.Time
}

type Manager struct {
	limiter ratelimit.RateLimiter
	ledger  budget.Ledger
	now     func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(limiter ratelimit.RateLimiter, ledger budget.Ledger, opts ...Option) *Manager {
	m := &Manager{
		limiter: limiter,
		ledger:  ledger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckRateLimit counts this request against the tenant's current minute.
// limit <= 0 disables the check.
func (m *Manager) CheckRateLimit(ctx context.Context, tenantID string, limit int) (RateDecision, error) {
	if limit <= 0 {
		return RateDecision{Limit: limit}, nil
	}

	allowed, remaining, resetAt, err := m.limiter.Allow(ctx, tenantID, limit)
	if err != nil {
		slog.Warn("rate limit check failed, allowing request",
			"tenant_id", tenantID,
			"error", err,
		)
		return RateDecision{Limit: limit, Remaining: limit, ResetAt: resetAt}, err
	}

	return RateDecision{
		Blocked:   !allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// CheckBudget blocks once today's (UTC) spend has reached the daily budget.
// budgetPerDay <= 0 disables the check.
func (m *Manager) CheckBudget(ctx context.Context, tenantID string, budgetPerDay float64) (BudgetDecision, error) {
	if budgetPerDay <= 0 {
		return BudgetDecision{BudgetUSD: budgetPerDay}, nil
	}

	spend, err := m.ledger.Spent(ctx, tenantID, budget.Day(m.now()))
	if err != nil {
		slog.Warn("budget check failed, allowing request",
			"tenant_id", tenantID,
			"error", err,
		)
		return BudgetDecision{BudgetUSD: budgetPerDay}, err
	}

	spent := spend.CostUSD()
	return BudgetDecision{
		Blocked:   spent >= budgetPerDay,
		SpentUSD:  spent,
		BudgetUSD: budgetPerDay,
	}, nil
}

// RecordUsage adds the request's cost and tokens to today's counters. A
// request ID that was already recorded is ignored.
func (m *Manager) RecordUsage(ctx context.Context, u Usage) error {
	at := u.At
	if at.IsZero() {
		at = m.now()
	}

	applied, err := m.ledger.Add(ctx, budget.Charge{
		TenantID:         u.TenantID,
		RequestID:        u.RequestID,
		CostUSD:          u.CostUSD,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		At:               at,
	})
	if err != nil {
		slog.Warn("usage recording failed",
			"tenant_id", u.TenantID,
			"request_id", u.RequestID,
			"error", err,
		)
		return err
	}
	if !applied {
		slog.Debug("usage already recorded", "tenant_id", u.TenantID, "request_id", u.RequestID)
	}
	return nil
}

// Spent exposes today's counters, for the admin usage endpoint.
func (m *Manager) Spent(ctx context.Context, tenantID string, day string) (budget.Spend, error) {
	return m.ledger.Spent(ctx, tenantID, day)
}
