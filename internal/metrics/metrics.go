package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpetuo_requests_total",
			Help: "Chat requests handled, by final outcome",
		},
		[]string{"tenant_id", "route", "provider", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perpetuo_request_duration_seconds",
			Help:    "End-to-end request duration in seconds, fallbacks included",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"tenant_id", "provider"},
	)

	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpetuo_provider_attempts_total",
			Help: "Upstream calls made, by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perpetuo_provider_latency_seconds",
			Help:    "Latency of a single upstream call",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpetuo_provider_errors_total",
			Help: "Upstream failures by classified reason",
		},
		[]string{"provider", "reason"},
	)

	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpetuo_fallbacks_total",
			Help: "Requests served by a provider other than the first attempted",
		},
		[]string{"tenant_id", "provider"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpetuo_tokens_total",
			Help: "Tokens processed",
		},
		[]string{"tenant_id", "provider", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpetuo_cost_usd_total",
			Help: "Accounted cost in USD",
		},
		[]string{"tenant_id", "provider"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpetuo_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	QuotaBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpetuo_quota_blocks_total",
			Help: "Requests refused by quota, by kind (rate_limit, budget)",
		},
		[]string{"tenant_id", "kind"},
	)

	IdempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "perpetuo_idempotency_hits_total",
			Help: "Requests answered from a stored idempotent response",
		},
	)

	ConfigFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpetuo_config_fetches_total",
			Help: "Tenant config lookups by result (hit, fetched, stale, miss)",
		},
		[]string{"result"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "perpetuo_events_dropped_total",
			Help: "Audit events dropped because the emitter buffer was full",
		},
	)

	BudgetUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpetuo_budget_usage_ratio",
			Help: "Today's spend as a fraction of the daily budget",
		},
		[]string{"tenant_id"},
	)

	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "perpetuo_active_requests",
			Help: "Chat requests currently in flight on this instance",
		},
	)
)

func RecordRequest(tenantID, route, provider, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(tenantID, route, provider, status).Inc()
	RequestDuration.WithLabelValues(tenantID, provider).Observe(durationSec)
}

func RecordAttempt(provider, outcome string, durationSec float64) {
	ProviderAttempts.WithLabelValues(provider, outcome).Inc()
	ProviderLatency.WithLabelValues(provider).Observe(durationSec)
}

func RecordProviderError(provider, reason string) {
	ProviderErrors.WithLabelValues(provider, reason).Inc()
}

func RecordFallback(tenantID, provider string) {
	FallbacksTotal.WithLabelValues(tenantID, provider).Inc()
}

func RecordTokens(tenantID, provider string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(tenantID, provider, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(tenantID, provider, "output").Add(float64(outputTokens))
}

func RecordCost(tenantID, provider string, costUSD float64) {
	CostTotal.WithLabelValues(tenantID, provider).Add(costUSD)
}

func RecordQuotaBlock(tenantID, kind string) {
	QuotaBlocks.WithLabelValues(tenantID, kind).Inc()
}

func RecordIdempotencyHit() {
	IdempotencyHits.Inc()
}

func RecordConfigFetch(result string) {
	ConfigFetches.WithLabelValues(result).Inc()
}

func RecordEventDropped() {
	EventsDropped.Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func SetBudgetUsage(tenantID string, ratio float64) {
	BudgetUsageRatio.WithLabelValues(tenantID).Set(ratio)
}
