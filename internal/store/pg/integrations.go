package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/keybridge/internal/store/core"
)

type integrationRepo struct {
	pool *pgxpool.Pool
}

const integrationColumns = `id, user_id, integration_id, display_name, status,
	encrypted_access_token, encrypted_refresh_token, token_expires_at,
	workspace_id, organization_id, team_id, capabilities,
	sync_count, last_sync_at, last_error, created_at, updated_at`

func scanIntegration(row interface{ Scan(...any) error }) (*core.Integration, error) {
	var in core.Integration
	var capsJSON []byte
	var status string
	err := row.Scan(
		&in.ID, &in.UserID, &in.IntegrationID, &in.DisplayName, &status,
		&in.EncryptedAccessToken, &in.EncryptedRefreshToken, &in.TokenExpiresAt,
		&in.WorkspaceID, &in.OrganizationID, &in.TeamID, &capsJSON,
		&in.SyncCount, &in.LastSyncAt, &in.LastError, &in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	in.Status = core.ConnectionStatus(status)
	if len(capsJSON) > 0 {
		if err := json.Unmarshal(capsJSON, &in.Capabilities); err != nil {
			return nil, err
		}
	}
	return &in, nil
}

func (r *integrationRepo) Upsert(ctx context.Context, in *core.Integration) error {
	capsJSON, err := json.Marshal(in.Capabilities)
	if err != nil {
		return err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	// Reconexión = sobreescritura completa del registro (no merge).
	_, err = r.pool.Exec(ctx, `
		INSERT INTO integrations (id, user_id, integration_id, display_name, status,
			encrypted_access_token, encrypted_refresh_token, token_expires_at,
			workspace_id, organization_id, team_id, capabilities, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id, integration_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			status = EXCLUDED.status,
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			workspace_id = EXCLUDED.workspace_id,
			organization_id = EXCLUDED.organization_id,
			team_id = EXCLUDED.team_id,
			capabilities = EXCLUDED.capabilities,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()`,
		in.ID, in.UserID, in.IntegrationID, in.DisplayName, string(in.Status),
		in.EncryptedAccessToken, in.EncryptedRefreshToken, in.TokenExpiresAt,
		in.WorkspaceID, in.OrganizationID, in.TeamID, capsJSON, in.LastError,
	)
	return mapErr(err)
}

func (r *integrationRepo) Get(ctx context.Context, userID, integrationID string) (*core.Integration, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE user_id = $1 AND integration_id = $2`,
		userID, integrationID)
	return scanIntegration(row)
}

func (r *integrationRepo) List(ctx context.Context, userID string) ([]*core.Integration, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE user_id = $1 ORDER BY integration_id`,
		userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*core.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (r *integrationRepo) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (r *integrationRepo) UpdateTokens(ctx context.Context, userID, integrationID, encAccess, encRefresh string, expiresAt *time.Time) error {
	return r.exec(ctx, `
		UPDATE integrations SET
			encrypted_access_token = $3,
			encrypted_refresh_token = CASE WHEN $4 <> '' THEN $4 ELSE encrypted_refresh_token END,
			token_expires_at = $5,
			status = 'connected',
			last_error = '',
			updated_at = NOW()
		WHERE user_id = $1 AND integration_id = $2`,
		userID, integrationID, encAccess, encRefresh, expiresAt)
}

func (r *integrationRepo) SetStatus(ctx context.Context, userID, integrationID string, status core.ConnectionStatus, lastError string) error {
	return r.exec(ctx, `
		UPDATE integrations SET status = $3, last_error = $4, updated_at = NOW()
		WHERE user_id = $1 AND integration_id = $2`,
		userID, integrationID, string(status), lastError)
}

func (r *integrationRepo) Disconnect(ctx context.Context, userID, integrationID string) error {
	return r.exec(ctx, `
		UPDATE integrations SET
			status = 'disconnected',
			encrypted_access_token = '',
			encrypted_refresh_token = '',
			token_expires_at = NULL,
			updated_at = NOW()
		WHERE user_id = $1 AND integration_id = $2`,
		userID, integrationID)
}

func (r *integrationRepo) RecordSync(ctx context.Context, userID, integrationID, capability string, at time.Time) error {
	in, err := r.Get(ctx, userID, integrationID)
	if err != nil {
		return err
	}
	found := false
	for idx := range in.Capabilities {
		if in.Capabilities[idx].Name == capability {
			t := at
			in.Capabilities[idx].LastUsedAt = &t
			found = true
		}
	}
	if capability != "" && !found {
		t := at
		in.Capabilities = append(in.Capabilities, core.Capability{Name: capability, LastUsedAt: &t})
	}
	capsJSON, err := json.Marshal(in.Capabilities)
	if err != nil {
		return err
	}
	return r.exec(ctx, `
		UPDATE integrations SET sync_count = sync_count + 1, last_sync_at = $3,
			capabilities = $4, updated_at = NOW()
		WHERE user_id = $1 AND integration_id = $2`,
		userID, integrationID, at, capsJSON)
}
