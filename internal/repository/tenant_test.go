package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/gabztoo/Perpetuo/internal/crypto"
	"github.com/gabztoo/Perpetuo/internal/domain"
)

func newTenant(id string, enabled bool, keys ...string) *domain.Tenant {
	hashes := make([]string, len(keys))
	for i, k := range keys {
		hashes[i] = crypto.HashAPIKey(k)
	}
	return &domain.Tenant{
		ID:           id,
		Name:         id,
		APIKeyHashes: hashes,
		Limits:       domain.Limits{RateLimitPerMin: 60, BudgetPerDay: 10},
		Enabled:      enabled,
	}
}

func TestInMemoryTenantRepository_GetByAPIKey(t *testing.T) {
	repo := NewInMemoryTenantRepository()
	repo.Upsert(newTenant("acme", true, "pk-acme-1", "pk-acme-2"))
	repo.Upsert(newTenant("off", false, "pk-off"))
	ctx := context.Background()

	tests := []struct {
		name    string
		key     string
		wantID  string
		wantErr error
	}{
		{"first key", "pk-acme-1", "acme", nil},
		{"second key", "pk-acme-2", "acme", nil},
		{"unknown key", "pk-nope", "", domain.ErrTenantNotFound},
		{"empty key", "", "", domain.ErrInvalidAPIKey},
		{"disabled tenant", "pk-off", "", domain.ErrTenantDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenant, err := repo.GetByAPIKey(ctx, tt.key)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tenant.ID != tt.wantID {
				t.Errorf("tenant = %s, want %s", tenant.ID, tt.wantID)
			}
		})
	}
}

func TestInMemoryTenantRepository_UpsertRotatesKeys(t *testing.T) {
	repo := NewInMemoryTenantRepository()
	ctx := context.Background()

	repo.Upsert(newTenant("acme", true, "old-key"))
	repo.Upsert(newTenant("acme", true, "new-key"))

	if _, err := repo.GetByAPIKey(ctx, "old-key"); !errors.Is(err, domain.ErrTenantNotFound) {
		t.Errorf("rotated-out key should not resolve, got %v", err)
	}
	if _, err := repo.GetByAPIKey(ctx, "new-key"); err != nil {
		t.Errorf("new key: %v", err)
	}
}

func TestInMemoryTenantRepository_Replace(t *testing.T) {
	repo := NewInMemoryTenantRepository()
	repo.Upsert(newTenant("a", true, "ka"))
	repo.Replace([]*domain.Tenant{newTenant("b", true, "kb")})
	ctx := context.Background()

	if repo.Count() != 1 {
		t.Errorf("Count = %d, want 1", repo.Count())
	}
	if _, err := repo.GetByID(ctx, "a"); !errors.Is(err, domain.ErrTenantNotFound) {
		t.Errorf("replaced tenant still present: %v", err)
	}
	if tenant, err := repo.GetByAPIKey(ctx, "kb"); err != nil || tenant.ID != "b" {
		t.Errorf("GetByAPIKey(kb) = %v, %v", tenant, err)
	}
	if tenant, _ := repo.GetByID(ctx, "b"); tenant.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}
