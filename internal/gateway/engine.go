// Package gateway runs a chat request through quota checks, alias and
// strategy resolution, and the sequential provider fallback chain.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gabztoo/Perpetuo/internal/alias"
	"github.com/gabztoo/Perpetuo/internal/budget"
	"github.com/gabztoo/Perpetuo/internal/classify"
	"github.com/gabztoo/Perpetuo/internal/cost"
	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/gabztoo/Perpetuo/internal/events"
	"github.com/gabztoo/Perpetuo/internal/idempotency"
	"github.com/gabztoo/Perpetuo/internal/metrics"
	"github.com/gabztoo/Perpetuo/internal/quota"
	"github.com/gabztoo/Perpetuo/internal/repository"
	"github.com/gabztoo/Perpetuo/internal/resilience"
	"github.com/gabztoo/Perpetuo/internal/router"
	"github.com/gabztoo/Perpetuo/internal/strategy"
	"github.com/gabztoo/Perpetuo/internal/telemetry"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const DefaultProviderTimeout = 30 * time.Second

// PolicySource serves per-tenant routing policies.
type PolicySource interface {
	GetTenantConfig(ctx context.Context, tenantID string) (*domain.TenantPolicy, bool)
}

type EngineConfig struct {
	Tenants    repository.TenantRepository
	Quota      *quota.Manager
	Resilience *resilience.Manager
	Registry   *router.Registry
	Stats      *router.Stats
	Costs      *cost.Calculator

	// Policies may be nil, in which case every tenant uses DefaultPolicy.
	Policies PolicySource
	// DefaultPolicy returns the static default chain. It is read per request
	// so catalog reloads take effect immediately.
	DefaultPolicy func() *domain.TenantPolicy

	Usage          cost.Tracker
	Budget         *budget.Monitor
	Events         events.Recorder
	DefaultTimeout time.Duration
	// RequestTimeout bounds a whole pass through the chain. Attempts are cut
	// short so the response is written before the server's write deadline.
	// Zero leaves only the per-attempt timeouts.
	RequestTimeout time.Duration
	Now            func() time.Time
}

type Engine struct {
	tenants    repository.TenantRepository
	quota      *quota.Manager
	resilience *resilience.Manager
	registry   *router.Registry
	stats      *router.Stats
	costs      *cost.Calculator
	policies   PolicySource
	defaults   func() *domain.TenantPolicy
	usage      cost.Tracker
	budget     *budget.Monitor
	events     events.Recorder
	timeout    time.Duration
	deadline   time.Duration
	now        func() time.Time

	wg sync.WaitGroup
}

func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		tenants:    cfg.Tenants,
		quota:      cfg.Quota,
		resilience: cfg.Resilience,
		registry:   cfg.Registry,
		stats:      cfg.Stats,
		costs:      cfg.Costs,
		policies:   cfg.Policies,
		defaults:   cfg.DefaultPolicy,
		usage:      cfg.Usage,
		budget:     cfg.Budget,
		events:     cfg.Events,
		timeout:    cfg.DefaultTimeout,
		deadline:   cfg.RequestTimeout,
		now:        cfg.Now,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultProviderTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.stats == nil {
		e.stats = router.NewStats()
	}
	if e.costs == nil {
		e.costs = cost.NewCalculator()
	}
	if e.events == nil {
		e.events = events.Discard{}
	}
	if e.defaults == nil {
		e.defaults = func() *domain.TenantPolicy { return nil }
	}
	return e
}

// Input is one chat request as received from a client.
type Input struct {
	APIKey         string
	RouteKey       string
	StrategyHeader string
	IdempotencyKey string
	// ProviderKeys maps lower-case provider name to the caller's credential.
	ProviderKeys map[string]string
	Request      domain.ChatRequest

	// ClientRequestID is the caller's X-Request-ID, kept for correlation
	// only. Accounting keys on the ID the engine generates per call.
	ClientRequestID string
}

type Result struct {
	// Body is the exact response payload. For a replay it is the stored
	// bytes, untouched.
	Body     []byte
	Replayed bool
	TenantID string
	Response *domain.ChatResponse
	Decision *domain.RoutingDecision
}

// Complete executes the request. Exactly one of the results is non-nil.
func (e *Engine) Complete(ctx context.Context, in Input) (*Result, *Error) {
	start := e.now()
	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	requestID := uuid.New().String()
	routeLabel := in.RouteKey
	if routeLabel == "" {
		routeLabel = "default"
	}

	ctx, span := telemetry.StartSpan(ctx, "gateway.complete")
	defer span.End()

	var idemKey string
	if in.IdempotencyKey != "" {
		idemKey = idempotency.ScopedKey(in.APIKey, in.IdempotencyKey)
		if body, ok := e.resilience.GetIdempotencyResult(ctx, idemKey); ok {
			slog.Info("idempotent replay", "request_id", requestID, "client_request_id", in.ClientRequestID)
			return &Result{Body: body, Replayed: true}, nil
		}
	}

	if in.APIKey == "" {
		return nil, authError("missing API key", domain.ErrInvalidAPIKey)
	}
	tenant, err := e.tenants.GetByAPIKey(ctx, in.APIKey)
	if err != nil {
		slog.Warn("authentication failed",
			"request_id", requestID,
			"client_request_id", in.ClientRequestID,
			"error", err,
		)
		if errors.Is(err, domain.ErrTenantDisabled) {
			return nil, authError("tenant disabled", err)
		}
		return nil, authError("invalid API key", err)
	}

	telemetry.AddRequestAttributes(span, tenant.ID, requestID, in.RouteKey, in.Request.Model)
	e.events.Emit(events.Event{
		Type:      events.TypeRequestReceived,
		RequestID: requestID,
		TenantID:  tenant.ID,
		Data: map[string]any{
			"model":             in.Request.Model,
			"route":             in.RouteKey,
			"client_request_id": in.ClientRequestID,
		},
	})

	if qerr := e.checkQuota(ctx, tenant, requestID); qerr != nil {
		metrics.RecordRequest(tenant.ID, routeLabel, "", qerr.Type, e.now().Sub(start).Seconds())
		return nil, qerr
	}

	if len(in.Request.Messages) == 0 {
		return nil, invalidRequest("messages must not be empty", domain.ErrInvalidRequest)
	}

	policy, fromTenant := e.policyFor(ctx, tenant.ID)
	if !policy.Usable() {
		slog.Error("no usable routing configuration", "tenant_id", tenant.ID, "request_id", requestID)
		metrics.RecordRequest(tenant.ID, routeLabel, "", TypeInternal, e.now().Sub(start).Seconds())
		return nil, internalError("no routing configuration available", domain.ErrNoConfiguration)
	}

	var route *domain.Policy
	if pol, ok := policy.PolicyFor(in.RouteKey); ok {
		route = &pol
	}

	aliasRes := alias.NewResolver(alias.Models(policy.Models)).Resolve(in.Request.Model)
	e.events.Emit(events.Event{
		Type:      events.TypeAliasResolved,
		RequestID: requestID,
		TenantID:  tenant.ID,
		Data: map[string]any{
			"requested":   aliasRes.RequestedAlias,
			"intent":      string(aliasRes.Intent),
			"tier":        string(aliasRes.Tier),
			"explanation": aliasRes.Explanation,
		},
	})

	header := in.StrategyHeader
	if strings.TrimSpace(header) == "" {
		header = in.Request.RoutingPreference
	}
	stratRes := strategy.Resolve(header, tenantDefaultStrategy(route, tenant, policy))
	e.events.Emit(events.Event{
		Type:      events.TypeStrategyResolved,
		RequestID: requestID,
		TenantID:  tenant.ID,
		Data:      map[string]any{"strategy": string(stratRes.Strategy), "source": string(stratRes.Source)},
	})

	chain, skips := buildChain(chainInput{
		policy:       policy,
		route:        route,
		tenant:       tenant,
		strategy:     stratRes.Strategy,
		alias:        aliasRes,
		requested:    in.Request.Model,
		credentials:  in.ProviderKeys,
		stats:        e.stats.Snapshot(),
		registryFind: e.registry.Get,
	})

	names := make([]string, len(chain))
	for i, c := range chain {
		names[i] = c.config.Name
	}
	telemetry.AddRoutingAttributes(span, string(stratRes.Strategy), string(stratRes.Source), len(chain))
	e.events.Emit(events.Event{
		Type:      events.TypeChainBuilt,
		RequestID: requestID,
		TenantID:  tenant.ID,
		Data:      map[string]any{"chain": names, "skipped": skips, "tenant_policy": fromTenant},
	})
	slog.Debug("chain built",
		"request_id", requestID,
		"tenant_id", tenant.ID,
		"strategy", string(stratRes.Strategy),
		"chain", names,
	)

	run := &execution{
		engine:    e,
		tenant:    tenant,
		requestID: requestID,
		clientID:  in.ClientRequestID,
		route:     routeLabel,
		strategy:  stratRes,
		request:   in.Request,
		idemKey:   idemKey,
		start:     start,
	}
	if e.deadline > 0 {
		run.deadline = time.Now().Add(e.deadline)
	}
	res, gerr := run.execute(ctx, chain)
	if gerr != nil {
		telemetry.RecordFailure(span, gerr, gerr.Type)
		metrics.RecordRequest(tenant.ID, routeLabel, gerr.Provider, gerr.Type, e.now().Sub(start).Seconds())
		e.events.Emit(events.Event{
			Type:      events.TypeRequestFailed,
			RequestID: requestID,
			TenantID:  tenant.ID,
			Provider:  gerr.Provider,
			Data: map[string]any{
				"status":              gerr.Status,
				"type":                gerr.Type,
				"providers_attempted": gerr.ProvidersAttempted,
				"last_error":          gerr.LastError,
			},
		})
		return nil, gerr
	}
	telemetry.AddUsageAttributes(span, res.Response.Usage.PromptTokens, res.Response.Usage.CompletionTokens, res.Decision.CostUSD)
	return res, nil
}

func (e *Engine) checkQuota(ctx context.Context, tenant *domain.Tenant, requestID string) *Error {
	rate, _ := e.quota.CheckRateLimit(ctx, tenant.ID, tenant.Limits.RateLimitPerMin)
	if rate.Blocked {
		metrics.RecordQuotaBlock(tenant.ID, "rate")
		e.events.Emit(events.Event{
			Type:      events.TypeQuotaBlocked,
			RequestID: requestID,
			TenantID:  tenant.ID,
			Data:      map[string]any{"kind": "rate", "limit": rate.Limit},
		})
		slog.Warn("rate limit exceeded", "tenant_id", tenant.ID, "request_id", requestID)
		return &Error{
			Status:     429,
			Type:       TypeRateLimit,
			Message:    fmt.Sprintf("rate limit of %d requests per minute exceeded", rate.Limit),
			RetryAfter: rate.RetryAfter(e.now()),
			Err:        domain.ErrRateLimitExceeded,
		}
	}

	b, _ := e.quota.CheckBudget(ctx, tenant.ID, tenant.Limits.BudgetPerDay)
	if b.BudgetUSD > 0 {
		metrics.SetBudgetUsage(tenant.ID, b.SpentUSD/b.BudgetUSD)
	}
	if b.Blocked {
		metrics.RecordQuotaBlock(tenant.ID, "budget")
		e.events.Emit(events.Event{
			Type:      events.TypeQuotaBlocked,
			RequestID: requestID,
			TenantID:  tenant.ID,
			Data:      map[string]any{"kind": "budget", "spent_usd": b.SpentUSD, "budget_usd": b.BudgetUSD},
		})
		slog.Warn("daily budget exhausted",
			"tenant_id", tenant.ID,
			"request_id", requestID,
			"spent_usd", b.SpentUSD,
			"budget_usd", b.BudgetUSD,
		)
		return &Error{
			Status:  403,
			Type:    TypeQuota,
			Message: fmt.Sprintf("daily budget of $%.2f reached", b.BudgetUSD),
			Err:     domain.ErrBudgetExceeded,
		}
	}
	return nil
}

// policyFor returns the tenant's policy, or the default chain when the
// tenant has none. The bool reports whether the tenant policy was used.
func (e *Engine) policyFor(ctx context.Context, tenantID string) (*domain.TenantPolicy, bool) {
	if e.policies != nil {
		if p, ok := e.policies.GetTenantConfig(ctx, tenantID); ok && p.Usable() {
			return p, true
		}
	}
	return e.defaults(), false
}

// A route's mode outranks the tenant's own default, which outranks the
// policy document's.
func tenantDefaultStrategy(route *domain.Policy, tenant *domain.Tenant, policy *domain.TenantPolicy) string {
	if route != nil {
		if s := strategy.FromPolicyMode(route.Mode); s != "" {
			return s
		}
	}
	if tenant.DefaultStrategy != "" {
		return tenant.DefaultStrategy
	}
	return policy.DefaultStrategy
}

// Wait blocks until background usage recording has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execution is the state of one pass through the chain.
type execution struct {
	engine    *Engine
	tenant    *domain.Tenant
	requestID string
	clientID  string
	route     string
	strategy  strategy.Resolution
	request   domain.ChatRequest
	idemKey   string
	start     time.Time
	deadline  time.Time
	attempted []string
}

func (x *execution) execute(ctx context.Context, chain []candidate) (*Result, *Error) {
	e := x.engine
	lastErr := "no eligible provider"
	var lastCause error

	for _, c := range chain {
		if ctx.Err() != nil {
			return nil, cancelledError(x.attempted)
		}

		name := c.config.Name
		if e.resilience.ShouldBlockProvider(ctx, name) {
			slog.Debug("circuit open, skipping provider", "provider", name, "request_id", x.requestID)
			continue
		}
		if !x.deadline.IsZero() && !time.Now().Before(x.deadline) {
			slog.Warn("request deadline reached, stopping fallback", "request_id", x.requestID, "next_provider", name)
			lastErr = "request deadline reached"
			lastCause = domain.ErrProviderTimeout
			break
		}
		x.attempted = append(x.attempted, name)

		resp, latency, err := x.attempt(ctx, c)
		if err == nil {
			return x.succeed(ctx, c, resp, latency), nil
		}

		if ctx.Err() != nil {
			// The caller went away; the provider is not at fault.
			slog.Info("request cancelled by client", "request_id", x.requestID, "provider", name)
			return nil, cancelledError(x.attempted)
		}

		class := classify.Classify(err)
		e.stats.RecordFailure(name)
		e.resilience.RecordFailure(ctx, name)
		metrics.RecordAttempt(name, "failure", latency.Seconds())
		metrics.RecordProviderError(name, string(class.Reason))
		e.events.Emit(events.Event{
			Type:      events.TypeProviderFailure,
			RequestID: x.requestID,
			TenantID:  x.tenant.ID,
			Provider:  name,
			Data: map[string]any{
				"reason":      string(class.Reason),
				"retryable":   class.Retryable,
				"status_code": class.StatusCode,
				"latency_ms":  latency.Milliseconds(),
			},
		})
		slog.Warn("provider attempt failed",
			"request_id", x.requestID,
			"tenant_id", x.tenant.ID,
			"provider", name,
			"reason", string(class.Reason),
			"retryable", class.Retryable,
			"error", err,
		)

		if !class.Retryable {
			return nil, fatalError(name, class, err, x.attempted)
		}
		lastErr = err.Error()
		lastCause = err
	}

	return nil, exhaustedError(x.attempted, lastErr, lastCause)
}

type attemptResult struct {
	resp *domain.ChatResponse
	err  error
}

// attempt calls one provider under its timeout. The call runs in its own
// goroutine so a provider that ignores cancellation cannot hold the chain.
func (x *execution) attempt(ctx context.Context, c candidate) (*domain.ChatResponse, time.Duration, error) {
	e := x.engine
	timeout := e.timeout
	if c.config.TimeoutMs > 0 {
		timeout = time.Duration(c.config.TimeoutMs) * time.Millisecond
	}
	if !x.deadline.IsZero() {
		if remaining := time.Until(x.deadline); remaining < timeout {
			timeout = remaining
		}
	}

	ctx, span := telemetry.StartSpan(ctx, "provider.attempt")
	defer span.End()
	telemetry.AddAttemptAttributes(span, c.config.Name, c.model, len(x.attempted))

	e.events.Emit(events.Event{
		Type:      events.TypeProviderAttempt,
		RequestID: x.requestID,
		TenantID:  x.tenant.ID,
		Provider:  c.config.Name,
		Data:      map[string]any{"model": c.model, "attempt": len(x.attempted)},
	})

	req := x.request
	req.Model = c.model
	req.RoutingPreference = ""

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	done := make(chan attemptResult, 1)
	go func() {
		resp, err := c.provider.ChatCompletion(attemptCtx, req, c.credential)
		done <- attemptResult{resp: resp, err: err}
	}()

	var res attemptResult
	select {
	case res = <-done:
	case <-attemptCtx.Done():
		res.err = attemptCtx.Err()
	}
	latency := time.Since(started)

	if res.err == nil && res.resp == nil {
		res.err = errors.New("provider returned no response")
	}
	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			res.err = &domain.ProviderError{
				Provider: c.config.Name,
				Message:  fmt.Sprintf("timeout after %s", timeout),
				Err:      fmt.Errorf("%w: %w", domain.ErrProviderTimeout, context.DeadlineExceeded),
			}
		}
		telemetry.RecordFailure(span, res.err, string(classify.Classify(res.err).Reason))
		return nil, latency, res.err
	}
	return res.resp, latency, nil
}

func (x *execution) succeed(ctx context.Context, c candidate, resp *domain.ChatResponse, latency time.Duration) *Result {
	e := x.engine
	name := c.config.Name

	e.stats.RecordSuccess(name, latency)
	e.resilience.RecordSuccess(ctx, name)
	metrics.RecordAttempt(name, "success", latency.Seconds())

	model := resp.Model
	if model == "" {
		model = c.model
		resp.Model = c.model
	}
	costUSD := e.costs.Calculate(c.model, resp.Usage)
	fallbackUsed := len(x.attempted) > 1
	total := e.now().Sub(x.start)

	decision := &domain.RoutingDecision{
		Provider:           name,
		Model:              model,
		Strategy:           string(x.strategy.Strategy),
		StrategySource:     string(x.strategy.Source),
		ProvidersAttempted: append([]string(nil), x.attempted...),
		FallbackUsed:       fallbackUsed,
		LatencyMs:          total.Milliseconds(),
		CostUSD:            costUSD,
		RequestID:          x.requestID,
		ClientRequestID:    x.clientID,
		TraceID:            telemetry.TraceID(ctx),
	}
	resp.RoutingDecision = decision

	body, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to encode response", "request_id", x.requestID, "error", err)
	}

	if x.idemKey != "" && body != nil {
		if err := e.resilience.SaveIdempotencyResult(ctx, x.idemKey, body); err != nil {
			slog.Warn("idempotency save failed", "request_id", x.requestID, "error", err)
		}
	}

	metrics.RecordRequest(x.tenant.ID, x.route, name, "success", total.Seconds())
	metrics.RecordTokens(x.tenant.ID, name, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	metrics.RecordCost(x.tenant.ID, name, costUSD)
	if fallbackUsed {
		metrics.RecordFallback(x.tenant.ID, name)
	}

	e.events.Emit(events.Event{
		Type:      events.TypeRequestSucceeded,
		RequestID: x.requestID,
		TenantID:  x.tenant.ID,
		Provider:  name,
		Data: map[string]any{
			"model":               model,
			"strategy":            decision.Strategy,
			"providers_attempted": decision.ProvidersAttempted,
			"fallback_used":       fallbackUsed,
			"latency_ms":          decision.LatencyMs,
			"cost_usd":            costUSD,
		},
	})
	slog.Info("request completed",
		"request_id", x.requestID,
		"client_request_id", x.clientID,
		"tenant_id", x.tenant.ID,
		"provider", name,
		"model", model,
		"strategy", decision.Strategy,
		"fallback_used", fallbackUsed,
		"latency_ms", decision.LatencyMs,
		"cost_usd", costUSD,
	)

	x.recordUsageAsync(context.WithoutCancel(ctx), decision, resp.Usage)

	return &Result{
		Body:     body,
		TenantID: x.tenant.ID,
		Response: resp,
		Decision: decision,
	}
}

func (x *execution) recordUsageAsync(ctx context.Context, d *domain.RoutingDecision, u domain.Usage) {
	e := x.engine
	tenant := x.tenant
	at := e.now()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		_ = e.quota.RecordUsage(ctx, quota.Usage{
			TenantID:         tenant.ID,
			RequestID:        d.RequestID,
			CostUSD:          d.CostUSD,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			At:               at,
		})

		if e.usage != nil {
			err := e.usage.Record(ctx, cost.UsageRecord{
				TenantID:     tenant.ID,
				RequestID:    d.RequestID,
				Model:        d.Model,
				Provider:     d.Provider,
				Strategy:     d.Strategy,
				InputTokens:  u.PromptTokens,
				OutputTokens: u.CompletionTokens,
				CostUSD:      d.CostUSD,
				LatencyMs:    d.LatencyMs,
				FallbackUsed: d.FallbackUsed,
				Timestamp:    at,
			})
			if err != nil {
				slog.Warn("usage log write failed", "request_id", d.RequestID, "error", err)
			}
		}

		if e.budget != nil {
			if _, err := e.budget.Check(ctx, tenant); err != nil {
				slog.Warn("budget check failed", "tenant_id", tenant.ID, "error", err)
			}
		}
	}()
}
