package repository

import (
	"context"
	"sync"
	"time"

	"github.com/gabztoo/Perpetuo/internal/crypto"
	"github.com/gabztoo/Perpetuo/internal/domain"
)

// TenantRepository resolves the tenant behind a gateway API key. Keys are
// only ever looked up by their SHA-256 hash.
type TenantRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error)
	GetByID(ctx context.Context, id string) (*domain.Tenant, error)
}

type InMemoryTenantRepository struct {
	mu      sync.RWMutex
	tenants map[string]*domain.Tenant
	byKey   map[string]string
	now     func() time.Time
}

func NewInMemoryTenantRepository() *InMemoryTenantRepository {
	return &InMemoryTenantRepository{
		tenants: make(map[string]*domain.Tenant),
		byKey:   make(map[string]string),
		now:     time.Now,
	}
}

func (r *InMemoryTenantRepository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error) {
	if apiKey == "" {
		return nil, domain.ErrInvalidAPIKey
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	tenantID, ok := r.byKey[crypto.HashAPIKey(apiKey)]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}
	tenant, ok := r.tenants[tenantID]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}
	if !tenant.Enabled {
		return nil, domain.ErrTenantDisabled
	}
	return tenant, nil
}

func (r *InMemoryTenantRepository) GetByID(ctx context.Context, id string) (*domain.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenant, ok := r.tenants[id]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}
	return tenant, nil
}

// Upsert stores the tenant and indexes every key hash it carries. Hashes
// previously owned by the same tenant are dropped.
func (r *InMemoryTenantRepository) Upsert(tenant *domain.Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(tenant)
}

func (r *InMemoryTenantRepository) upsertLocked(tenant *domain.Tenant) {
	if old, ok := r.tenants[tenant.ID]; ok {
		for _, h := range old.APIKeyHashes {
			if r.byKey[h] == tenant.ID {
				delete(r.byKey, h)
			}
		}
	}

	now := r.now()
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = now
	}
	tenant.UpdatedAt = now

	r.tenants[tenant.ID] = tenant
	for _, h := range tenant.APIKeyHashes {
		r.byKey[h] = tenant.ID
	}
}

// Replace swaps the full tenant set, used when the catalog reloads.
func (r *InMemoryTenantRepository) Replace(tenants []*domain.Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tenants = make(map[string]*domain.Tenant, len(tenants))
	r.byKey = make(map[string]string)
	for _, t := range tenants {
		r.upsertLocked(t)
	}
}

func (r *InMemoryTenantRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants)
}
