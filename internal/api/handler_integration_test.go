//go:build integration

package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gabztoo/Perpetuo/internal/api"
	"github.com/gabztoo/Perpetuo/internal/budget"
	"github.com/gabztoo/Perpetuo/internal/circuitbreaker"
	"github.com/gabztoo/Perpetuo/internal/crypto"
	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/gabztoo/Perpetuo/internal/gateway"
	"github.com/gabztoo/Perpetuo/internal/idempotency"
	"github.com/gabztoo/Perpetuo/internal/quota"
	"github.com/gabztoo/Perpetuo/internal/ratelimit"
	"github.com/gabztoo/Perpetuo/internal/repository"
	"github.com/gabztoo/Perpetuo/internal/resilience"
	"github.com/gabztoo/Perpetuo/internal/router"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

type echoProvider struct {
	id string
}

func (p *echoProvider) ID() string { return p.id }

func (p *echoProvider) ChatCompletion(ctx context.Context, req domain.ChatRequest, credential string) (*domain.ChatResponse, error) {
	if credential == "bad" {
		return nil, &domain.ProviderError{Provider: p.id, StatusCode: 401, Message: "invalid key"}
	}
	return &domain.ChatResponse{
		ID:      "it-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []domain.Choice{{
			Message:      &domain.Message{Role: "assistant", Content: "Hello!"},
			FinishReason: "stop",
		}},
		Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func defaultPolicy() *domain.TenantPolicy {
	return &domain.TenantPolicy{
		TenantID: "default",
		Providers: []domain.ProviderConfig{
			{Name: "groq", Enabled: true, Priority: 1, DefaultModel: "llama-3.1-8b-instant"},
		},
		Models: []domain.ModelConfig{
			{Name: "llama-3.1-8b-instant", Provider: "groq", CostPer1kInput: 0.00005, CostPer1kOutput: 0.00008},
		},
	}
}

type stack struct {
	handler  http.Handler
	apiKey   string
	tenantID string
	usage    *repository.PostgresUsageRepository
	engine   *gateway.Engine
}

func setupPostgresStack(t *testing.T) stack {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := repository.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tenants := repository.NewPostgresTenantRepository(db)
	usage := repository.NewPostgresUsageRepository(db)

	apiKey := "pk-it-" + uuid.NewString()
	tenant := &domain.Tenant{
		ID:           "it-" + uuid.NewString(),
		Name:         "integration",
		APIKeyHashes: []string{crypto.HashAPIKey(apiKey)},
		Enabled:      true,
		Limits:       domain.Limits{RateLimitPerMin: 100, BudgetPerDay: 5},
	}
	if err := tenants.Upsert(context.Background(), tenant); err != nil {
		t.Fatalf("upsert tenant: %v", err)
	}

	q := quota.NewManager(ratelimit.NewInMemoryRateLimiter(), budget.NewInMemoryLedger(nil))
	res := resilience.NewManager(
		circuitbreaker.NewManager(circuitbreaker.DefaultConfig()),
		idempotency.NewInMemoryStore(time.Hour),
	)
	engine := gateway.NewEngine(gateway.EngineConfig{
		Tenants:       tenants,
		Quota:         q,
		Resilience:    res,
		Registry:      router.NewRegistry(map[string]router.Provider{"groq": &echoProvider{id: "groq"}}),
		DefaultPolicy: defaultPolicy,
		Usage:         usage,
	})

	handler := api.NewHandler(api.HandlerConfig{
		Engine:   engine,
		Checkers: []api.HealthChecker{api.NewPostgresHealthChecker(db)},
	})
	return stack{handler: handler, apiKey: apiKey, tenantID: tenant.ID, usage: usage, engine: engine}
}

func chat(t *testing.T, h http.Handler, apiKey, credential, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"model":"llama-3.1-8b-instant","messages":[{"role":"user","content":"Hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("X-Provider-Key-Groq", credential)
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIntegration_ChatCompletionRecordsUsage(t *testing.T) {
	s := setupPostgresStack(t)

	w := chat(t, s.handler, s.apiKey, "gsk", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp domain.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RoutingDecision == nil || resp.RoutingDecision.Provider != "groq" {
		t.Fatalf("routing decision = %+v", resp.RoutingDecision)
	}

	s.engine.Wait()
	records, err := s.usage.GetTenantUsage(context.Background(), s.tenantID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(records) != 1 || records[0].RequestID != resp.RoutingDecision.RequestID {
		t.Errorf("usage records = %+v", records)
	}
}

func TestIntegration_IdempotentReplay(t *testing.T) {
	s := setupPostgresStack(t)
	key := uuid.NewString()

	first := chat(t, s.handler, s.apiKey, "gsk", key)
	second := chat(t, s.handler, s.apiKey, "gsk", key)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d", first.Code, second.Code)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Error("replay body differs")
	}
}

func TestIntegration_BYOKRejected(t *testing.T) {
	s := setupPostgresStack(t)

	w := chat(t, s.handler, s.apiKey, "bad", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestIntegration_UnknownKey(t *testing.T) {
	s := setupPostgresStack(t)

	w := chat(t, s.handler, "pk-nope", "gsk", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestIntegration_Ready(t *testing.T) {
	s := setupPostgresStack(t)

	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d: %s", w.Code, w.Body.String())
	}
}
