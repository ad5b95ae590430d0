// Package budget tracks daily spend per tenant and raises alerts as a tenant
// approaches its daily budget.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gabztoo/Perpetuo/internal/domain"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

var alertLevels = []AlertLevel{AlertLevelWarning, AlertLevelCritical, AlertLevelExceeded}

type Alert struct {
	TenantID   string
	Level      AlertLevel
	Day        string
	Budget     float64
	CurrentUse float64
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(alert Alert)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// Monitor compares today's spend from the ledger against the tenant's daily
// budget. Each level fires at most once per tenant per day, across instances
// when the deduplicator is Redis-backed.
type Monitor struct {
	mu            sync.RWMutex
	ledger        Ledger
	dedup         AlertDeduplicator
	thresholds    Thresholds
	alertHandlers []AlertHandler
	now           func() time.Time
}

type MonitorOption func(*Monitor)

func WithDeduplicator(d AlertDeduplicator) MonitorOption {
	return func(m *Monitor) { m.dedup = d }
}

func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMonitor(ledger Ledger, thresholds Thresholds, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		ledger:     ledger,
		thresholds: thresholds,
		dedup:      NewInMemoryDeduplicator(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, handler)
}

func (m *Monitor) level(percentage float64) (AlertLevel, bool) {
	switch {
	case percentage >= 1.0:
		return AlertLevelExceeded, true
	case percentage >= m.thresholds.Critical:
		return AlertLevelCritical, true
	case percentage >= m.thresholds.Warning:
		return AlertLevelWarning, true
	}
	return "", false
}

// Check returns the alert it dispatched, or nil when nothing new crossed a
// threshold.
func (m *Monitor) Check(ctx context.Context, tenant *domain.Tenant) (*Alert, error) {
	budget := tenant.Limits.BudgetPerDay
	if budget <= 0 {
		return nil, nil
	}

	now := m.now()
	day := Day(now)
	spend, err := m.ledger.Spent(ctx, tenant.ID, day)
	if err != nil {
		return nil, err
	}

	current := spend.CostUSD()
	percentage := current / budget

	level, ok := m.level(percentage)
	if !ok {
		m.dedup.ClearAlert(ctx, tenant.ID, day)
		return nil, nil
	}

	if !m.dedup.ShouldAlert(ctx, tenant.ID, day, level) {
		return nil, nil
	}

	alert := &Alert{
		TenantID:   tenant.ID,
		Level:      level,
		Day:        day,
		Budget:     budget,
		CurrentUse: current,
		Percentage: percentage * 100,
		Timestamp:  now,
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.alertHandlers))
	copy(handlers, m.alertHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(*alert)
	}

	return alert, nil
}

func LogAlertHandler(alert Alert) {
	slog.Warn("budget alert",
		"tenant_id", alert.TenantID,
		"level", alert.Level,
		"day", alert.Day,
		"budget", alert.Budget,
		"current_use", alert.CurrentUse,
		"percentage", alert.Percentage,
	)
}
