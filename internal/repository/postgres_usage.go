package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gabztoo/Perpetuo/internal/cost"
)

// PostgresUsageRepository is the durable usage log. A request ID is written
// at most once.
type PostgresUsageRepository struct {
	db *sql.DB
}

func NewPostgresUsageRepository(db *sql.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

func (r *PostgresUsageRepository) Record(ctx context.Context, record cost.UsageRecord) error {
	query := `
		INSERT INTO usage_records (request_id, tenant_id, model, provider, strategy, input_tokens,
		                           output_tokens, cost_usd, latency_ms, fallback_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, request_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		record.RequestID,
		record.TenantID,
		record.Model,
		record.Provider,
		record.Strategy,
		record.InputTokens,
		record.OutputTokens,
		record.CostUSD,
		record.LatencyMs,
		record.FallbackUsed,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (r *PostgresUsageRepository) GetTenantUsage(ctx context.Context, tenantID string, since time.Time) ([]cost.UsageRecord, error) {
	query := `
		SELECT request_id, tenant_id, model, provider, strategy, input_tokens, output_tokens,
		       cost_usd, latency_ms, fallback_used, created_at
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []cost.UsageRecord
	for rows.Next() {
		var rec cost.UsageRecord
		var strategy sql.NullString
		err := rows.Scan(
			&rec.RequestID,
			&rec.TenantID,
			&rec.Model,
			&rec.Provider,
			&strategy,
			&rec.InputTokens,
			&rec.OutputTokens,
			&rec.CostUSD,
			&rec.LatencyMs,
			&rec.FallbackUsed,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		rec.Strategy = strategy.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PostgresUsageRepository) GetTenantTotalCost(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2
	`
	var total float64
	if err := r.db.QueryRowContext(ctx, query, tenantID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("query total cost: %w", err)
	}
	return total, nil
}
