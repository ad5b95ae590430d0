package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema holds the tables the gateway reads and appends to.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	plan               TEXT,
	api_key_hashes     TEXT[] NOT NULL DEFAULT '{}',
	rate_limit_per_min INTEGER NOT NULL DEFAULT 0,
	budget_per_day     DOUBLE PRECISION NOT NULL DEFAULT 0,
	allowed_providers  TEXT[] NOT NULL DEFAULT '{}',
	default_strategy   TEXT,
	enabled            BOOLEAN NOT NULL DEFAULT TRUE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS tenants_api_key_hashes_idx ON tenants USING GIN (api_key_hashes);

CREATE TABLE IF NOT EXISTS usage_records (
	request_id    TEXT NOT NULL,
	tenant_id     TEXT NOT NULL,
	model         TEXT NOT NULL,
	provider      TEXT NOT NULL,
	strategy      TEXT,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      DOUBLE PRECISION NOT NULL,
	latency_ms    BIGINT NOT NULL,
	fallback_used BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, request_id)
);
CREATE INDEX IF NOT EXISTS usage_records_tenant_created_idx ON usage_records (tenant_id, created_at);

CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	request_id TEXT NOT NULL,
	tenant_id  TEXT,
	provider   TEXT,
	data       JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_request_idx ON audit_events (request_id);
`

func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
