package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/keybridge/internal/store/core"
)

type userRepo struct {
	pool *pgxpool.Pool
}

const userColumns = `id, email, name, password_hash, role, token_version,
	login_attempts, lock_until, is_active, is_email_verified,
	verify_token_hash, verify_token_expires_at,
	reset_token_hash, reset_token_expires_at,
	refresh_tokens, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*core.User, error) {
	var u core.User
	var refreshJSON []byte
	err := row.Scan(
		&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.TokenVersion,
		&u.LoginAttempts, &u.LockUntil, &u.IsActive, &u.IsEmailVerified,
		&u.VerifyTokenHash, &u.VerifyTokenExpiresAt,
		&u.ResetTokenHash, &u.ResetTokenExpiresAt,
		&refreshJSON, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	if len(refreshJSON) > 0 {
		if err := json.Unmarshal(refreshJSON, &u.RefreshTokens); err != nil {
			return nil, err
		}
	}
	return &u, nil
}

func (r *userRepo) Create(ctx context.Context, u *core.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = core.NormalizeEmail(u.Email)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, email, name, password_hash, role, is_active, is_email_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Email, u.Name, u.PasswordHash, string(u.Role), u.IsActive, u.IsEmailVerified,
	)
	return mapErr(err)
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*core.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`,
		core.NormalizeEmail(email))
	return scanUser(row)
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*core.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (r *userRepo) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (r *userRepo) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return r.exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`,
		id, passwordHash)
}

func (r *userRepo) MarkEmailVerified(ctx context.Context, id string) error {
	return r.exec(ctx,
		`UPDATE users SET is_email_verified = TRUE, updated_at = NOW() WHERE id = $1`, id)
}

func (r *userRepo) Deactivate(ctx context.Context, id string) error {
	return r.exec(ctx,
		`UPDATE users SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
}

func (r *userRepo) ResetLoginAttempts(ctx context.Context, id string) error {
	return r.exec(ctx,
		`UPDATE users SET login_attempts = 0, lock_until = NULL, updated_at = NOW() WHERE id = $1`, id)
}

func (r *userRepo) RegisterFailedLogin(ctx context.Context, id string, threshold int, lockFor time.Duration, now time.Time) (int, bool, error) {
	var attempts int
	var lockUntil *time.Time
	err := r.pool.QueryRow(ctx, `
		UPDATE users SET
			login_attempts = login_attempts + 1,
			lock_until = CASE WHEN login_attempts + 1 >= $2 THEN $3::timestamptz ELSE lock_until END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING login_attempts, lock_until`,
		id, threshold, now.Add(lockFor),
	).Scan(&attempts, &lockUntil)
	if err != nil {
		return 0, false, mapErr(err)
	}
	return attempts, lockUntil != nil && lockUntil.After(now), nil
}

func (r *userRepo) ClearLock(ctx context.Context, id string) error {
	return r.ResetLoginAttempts(ctx, id)
}

func (r *userRepo) BumpTokenVersion(ctx context.Context, id string) (int, error) {
	var v int
	err := r.pool.QueryRow(ctx,
		`UPDATE users SET token_version = token_version + 1, updated_at = NOW()
		 WHERE id = $1 RETURNING token_version`, id).Scan(&v)
	return v, mapErr(err)
}

func (r *userRepo) AppendRefreshToken(ctx context.Context, id string, rec core.RefreshTokenRecord) error {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// Append + cap FIFO en una sola sentencia: se conservan los últimos N
	// en orden de inserción.
	return r.exec(ctx, `
		UPDATE users SET
			refresh_tokens = (
				SELECT COALESCE(jsonb_agg(s.tok ORDER BY s.ord), '[]'::jsonb)
				FROM (
					SELECT tok, ord
					FROM jsonb_array_elements(refresh_tokens || $2::jsonb)
					WITH ORDINALITY AS x(tok, ord)
					ORDER BY ord DESC LIMIT $3
				) s
			),
			updated_at = NOW()
		WHERE id = $1`,
		id, recJSON, core.MaxRefreshTokens)
}

func (r *userRepo) TakeRefreshToken(ctx context.Context, id, tokenHash string) (bool, error) {
	// Remueve la entrada si está; RowsAffected de la variante condicional
	// reporta si estaba (read-after-write sobre el mismo row).
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET
			refresh_tokens = (
				SELECT COALESCE(jsonb_agg(e), '[]'::jsonb)
				FROM jsonb_array_elements(refresh_tokens) e
				WHERE e->>'token_hash' <> $2
			),
			updated_at = NOW()
		WHERE id = $1
		  AND refresh_tokens @> jsonb_build_array(jsonb_build_object('token_hash', $2::text))`,
		id, tokenHash)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *userRepo) ClearRefreshTokens(ctx context.Context, id string) error {
	return r.exec(ctx,
		`UPDATE users SET refresh_tokens = '[]'::jsonb, updated_at = NOW() WHERE id = $1`, id)
}

func (r *userRepo) SetVerificationToken(ctx context.Context, id string, kind core.VerificationKind, tokenHash string, expiresAt time.Time) error {
	if kind == core.VerificationReset {
		return r.exec(ctx, `
			UPDATE users SET reset_token_hash = $2, reset_token_expires_at = $3, updated_at = NOW()
			WHERE id = $1`, id, tokenHash, expiresAt)
	}
	return r.exec(ctx, `
		UPDATE users SET verify_token_hash = $2, verify_token_expires_at = $3, updated_at = NOW()
		WHERE id = $1`, id, tokenHash, expiresAt)
}

func (r *userRepo) ConsumeVerificationToken(ctx context.Context, kind core.VerificationKind, tokenHash string, now time.Time) (*core.User, error) {
	hashCol, expCol := "verify_token_hash", "verify_token_expires_at"
	if kind == core.VerificationReset {
		hashCol, expCol = "reset_token_hash", "reset_token_expires_at"
	}
	row := r.pool.QueryRow(ctx, `
		UPDATE users SET `+hashCol+` = NULL, `+expCol+` = NULL, updated_at = NOW()
		WHERE `+hashCol+` = $1 AND `+expCol+` > $2
		RETURNING `+userColumns,
		tokenHash, now)
	return scanUser(row)
}
