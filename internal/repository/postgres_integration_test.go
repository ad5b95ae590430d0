//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/gabztoo/Perpetuo/internal/cost"
	"github.com/gabztoo/Perpetuo/internal/crypto"
	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/gabztoo/Perpetuo/internal/repository"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}
	if err := repository.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestPostgresTenantRepository_LookupByAnyKey(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	repo := repository.NewPostgresTenantRepository(db)
	ctx := context.Background()

	id := "it-" + uuid.NewString()
	keyA, keyB := "pk-"+uuid.NewString(), "pk-"+uuid.NewString()
	tenant := &domain.Tenant{
		ID:               id,
		Name:             "Integration",
		Plan:             "pro",
		APIKeyHashes:     []string{crypto.HashAPIKey(keyA), crypto.HashAPIKey(keyB)},
		Limits:           domain.Limits{RateLimitPerMin: 120, BudgetPerDay: 25},
		AllowedProviders: []string{"groq", "gemini"},
		DefaultStrategy:  "cheapest",
		Enabled:          true,
	}
	if err := repo.Upsert(ctx, tenant); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	defer db.Exec("DELETE FROM tenants WHERE id = $1", id)

	for _, key := range []string{keyA, keyB} {
		got, err := repo.GetByAPIKey(ctx, key)
		if err != nil {
			t.Fatalf("GetByAPIKey: %v", err)
		}
		if got.ID != id || got.Limits.BudgetPerDay != 25 || len(got.AllowedProviders) != 2 {
			t.Errorf("tenant = %+v", got)
		}
	}

	tenant.Enabled = false
	if err := repo.Upsert(ctx, tenant); err != nil {
		t.Fatalf("Upsert disabled: %v", err)
	}
	if _, err := repo.GetByAPIKey(ctx, keyA); !errors.Is(err, domain.ErrTenantDisabled) {
		t.Errorf("disabled tenant err = %v", err)
	}

	if _, err := repo.GetByAPIKey(ctx, "pk-unknown"); !errors.Is(err, domain.ErrTenantNotFound) {
		t.Errorf("unknown key err = %v", err)
	}
}

func TestPostgresUsageRepository_RecordIsIdempotent(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	repo := repository.NewPostgresUsageRepository(db)
	ctx := context.Background()

	tenantID := "it-" + uuid.NewString()
	defer db.Exec("DELETE FROM usage_records WHERE tenant_id = $1", tenantID)

	rec := cost.UsageRecord{
		TenantID:     tenantID,
		RequestID:    uuid.NewString(),
		Model:        "llama-3.1-8b-instant",
		Provider:     "groq",
		Strategy:     "default",
		InputTokens:  100,
		OutputTokens: 50,
		CostUSD:      0.0125,
		LatencyMs:    180,
		Timestamp:    time.Now().UTC(),
	}
	for i := 0; i < 2; i++ {
		if err := repo.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	records, err := repo.GetTenantUsage(ctx, tenantID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetTenantUsage: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("records = %d, want 1", len(records))
	}

	total, err := repo.GetTenantTotalCost(ctx, tenantID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetTenantTotalCost: %v", err)
	}
	if total != 0.0125 {
		t.Errorf("total = %v, want 0.0125", total)
	}
}
