package pg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema bootstrap idempotente. El índice parcial sobre api_keys es el
// enforcement a nivel DB del invariante "un solo activo por (user, provider)".
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		password_hash TEXT,
		role TEXT NOT NULL DEFAULT 'user',
		token_version INT NOT NULL DEFAULT 0,
		login_attempts INT NOT NULL DEFAULT 0,
		lock_until TIMESTAMPTZ,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		is_email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		verify_token_hash TEXT,
		verify_token_expires_at TIMESTAMPTZ,
		reset_token_hash TEXT,
		reset_token_expires_at TIMESTAMPTZ,
		refresh_tokens JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		provider TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		encrypted_key TEXT NOT NULL,
		key_prefix TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		is_verified BOOLEAN NOT NULL DEFAULT FALSE,
		verified_at TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		usage_count BIGINT NOT NULL DEFAULT 0,
		last_used_at TIMESTAMPTZ,
		metadata JSONB NOT NULL DEFAULT '{}',
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS api_keys_one_active
		ON api_keys (user_id, provider) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS integrations (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		integration_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		encrypted_access_token TEXT NOT NULL DEFAULT '',
		encrypted_refresh_token TEXT NOT NULL DEFAULT '',
		token_expires_at TIMESTAMPTZ,
		workspace_id TEXT NOT NULL DEFAULT '',
		organization_id TEXT NOT NULL DEFAULT '',
		team_id TEXT NOT NULL DEFAULT '',
		capabilities JSONB NOT NULL DEFAULT '[]',
		sync_count BIGINT NOT NULL DEFAULT 0,
		last_sync_at TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, integration_id)
	)`,
}

// EnsureSchema crea tablas e índices si no existen.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
