package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gabztoo/Perpetuo/internal/crypto"
	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/lib/pq"
)

const tenantColumns = `
	id, name, plan, api_key_hashes, rate_limit_per_min, budget_per_day,
	allowed_providers, default_strategy, enabled, created_at, updated_at`

type PostgresTenantRepository struct {
	db *sql.DB
}

func NewPostgresTenantRepository(db *sql.DB) *PostgresTenantRepository {
	return &PostgresTenantRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*domain.Tenant, error) {
	var tenant domain.Tenant
	var hashes, allowed pq.StringArray
	var plan, strategy sql.NullString

	err := row.Scan(
		&tenant.ID,
		&tenant.Name,
		&plan,
		&hashes,
		&tenant.Limits.RateLimitPerMin,
		&tenant.Limits.BudgetPerDay,
		&allowed,
		&strategy,
		&tenant.Enabled,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tenant.Plan = plan.String
	tenant.DefaultStrategy = strategy.String
	tenant.APIKeyHashes = []string(hashes)
	tenant.AllowedProviders = []string(allowed)
	return &tenant, nil
}

func (r *PostgresTenantRepository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error) {
	if apiKey == "" {
		return nil, domain.ErrInvalidAPIKey
	}

	query := `SELECT` + tenantColumns + `
		FROM tenants
		WHERE $1 = ANY(api_key_hashes)
	`
	tenant, err := scanTenant(r.db.QueryRowContext(ctx, query, crypto.HashAPIKey(apiKey)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", err)
	}
	if !tenant.Enabled {
		return nil, domain.ErrTenantDisabled
	}
	return tenant, nil
}

func (r *PostgresTenantRepository) GetByID(ctx context.Context, id string) (*domain.Tenant, error) {
	query := `SELECT` + tenantColumns + `
		FROM tenants
		WHERE id = $1
	`
	tenant, err := scanTenant(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", err)
	}
	return tenant, nil
}

// Upsert writes a tenant descriptor. The gateway itself never edits tenants;
// this is used to seed from the catalog and by integration tests.
func (r *PostgresTenantRepository) Upsert(ctx context.Context, tenant *domain.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, plan, api_key_hashes, rate_limit_per_min, budget_per_day,
		                     allowed_providers, default_strategy, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    plan = EXCLUDED.plan,
		    api_key_hashes = EXCLUDED.api_key_hashes,
		    rate_limit_per_min = EXCLUDED.rate_limit_per_min,
		    budget_per_day = EXCLUDED.budget_per_day,
		    allowed_providers = EXCLUDED.allowed_providers,
		    default_strategy = EXCLUDED.default_strategy,
		    enabled = EXCLUDED.enabled,
		    updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		sql.NullString{String: tenant.Plan, Valid: tenant.Plan != ""},
		pq.Array(tenant.APIKeyHashes),
		tenant.Limits.RateLimitPerMin,
		tenant.Limits.BudgetPerDay,
		pq.Array(tenant.AllowedProviders),
		sql.NullString{String: tenant.DefaultStrategy, Valid: tenant.DefaultStrategy != ""},
		tenant.Enabled,
	)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func (r *PostgresTenantRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
