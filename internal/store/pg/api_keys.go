package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/keybridge/internal/store/core"
)

type keyRepo struct {
	pool *pgxpool.Pool
}

// keyColumns excluye encrypted_key: el blob solo se trae bajo pedido explícito.
const keyColumns = `id, user_id, provider, label, key_prefix, is_active,
	is_verified, verified_at, last_error, usage_count, last_used_at,
	metadata, expires_at, created_at, updated_at`

func scanKey(row interface{ Scan(...any) error }, withSecret bool) (*core.APIKey, error) {
	var k core.APIKey
	var metaJSON []byte
	dest := []any{
		&k.ID, &k.UserID, &k.Provider, &k.Label, &k.KeyPrefix, &k.IsActive,
		&k.IsVerified, &k.VerifiedAt, &k.LastError, &k.UsageCount, &k.LastUsedAt,
		&metaJSON, &k.ExpiresAt, &k.CreatedAt, &k.UpdatedAt,
	}
	if withSecret {
		dest = append(dest, &k.EncryptedKey)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, mapErr(err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &k.Metadata); err != nil {
			return nil, err
		}
	}
	return &k, nil
}

func (r *keyRepo) UpsertActive(ctx context.Context, k *core.APIKey) error {
	metaJSON, err := json.Marshal(k.Metadata)
	if err != nil {
		return err
	}
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	k.IsActive = true

	// Transacción: desactivar el activo previo e insertar el nuevo como unidad.
	// El índice parcial api_keys_one_active respalda el invariante si dos saves
	// corren a la vez (el perdedor recibe unique_violation -> ErrConflict).
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE api_keys SET is_active = FALSE, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2 AND is_active`,
		k.UserID, k.Provider); err != nil {
		return mapErr(err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, provider, label, encrypted_key, key_prefix,
			is_active, is_verified, verified_at, last_error, metadata, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8, $9, $10, $11)`,
		k.ID, k.UserID, k.Provider, k.Label, k.EncryptedKey, k.KeyPrefix,
		k.IsVerified, k.VerifiedAt, k.LastError, metaJSON, k.ExpiresAt); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit(ctx))
}

func (r *keyRepo) GetActive(ctx context.Context, userID, provider string, withSecret bool) (*core.APIKey, error) {
	cols := keyColumns
	if withSecret {
		cols += ", encrypted_key"
	}
	row := r.pool.QueryRow(ctx,
		`SELECT `+cols+` FROM api_keys WHERE user_id = $1 AND provider = $2 AND is_active`,
		userID, provider)
	return scanKey(row, withSecret)
}

func (r *keyRepo) ListActive(ctx context.Context, userID string) ([]*core.APIKey, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE user_id = $1 AND is_active ORDER BY provider`,
		userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*core.APIKey
	for rows.Next() {
		k, err := scanKey(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *keyRepo) Deactivate(ctx context.Context, userID, provider string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET is_active = FALSE, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2 AND is_active`,
		userID, provider)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (r *keyRepo) RecordVerification(ctx context.Context, id string, ok bool, errMsg string, meta core.KeyMetadata, at time.Time) error {
	if ok {
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		tag, err := r.pool.Exec(ctx, `
			UPDATE api_keys SET is_verified = TRUE, verified_at = $2, last_error = '',
				metadata = $3, updated_at = $2
			WHERE id = $1`, id, at, metaJSON)
		if err != nil {
			return mapErr(err)
		}
		if tag.RowsAffected() == 0 {
			return core.ErrNotFound
		}
		return nil
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET is_verified = FALSE, last_error = $2, updated_at = $3
		WHERE id = $1`, id, errMsg, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (r *keyRepo) RecordUsage(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = $2, updated_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}
