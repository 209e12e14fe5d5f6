// Package memory implementa el Store en maps protegidos por mutex.
// Pensado para desarrollo y tests; el adapter de producción es pg.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/keybridge/internal/store/core"
)

type Store struct {
	mu           sync.RWMutex
	users        map[string]*core.User // por ID
	usersByEmail map[string]string     // email normalizado -> ID
	keys         map[string]*core.APIKey
	integrations map[string]*core.Integration // key: userID + "/" + integrationID
}

func New() *Store {
	return &Store{
		users:        make(map[string]*core.User),
		usersByEmail: make(map[string]string),
		keys:         make(map[string]*core.APIKey),
		integrations: make(map[string]*core.Integration),
	}
}

func (s *Store) Users() core.UserRepository               { return (*userRepo)(s) }
func (s *Store) Keys() core.APIKeyRepository              { return (*keyRepo)(s) }
func (s *Store) Integrations() core.IntegrationRepository { return (*integrationRepo)(s) }
func (s *Store) Ping(ctx context.Context) error           { return nil }
func (s *Store) Close()                                   {}

// =================================================================================
// USERS
// =================================================================================

type userRepo Store

func cloneUser(u *core.User) *core.User {
	cp := *u
	if u.PasswordHash != nil {
		h := *u.PasswordHash
		cp.PasswordHash = &h
	}
	if u.LockUntil != nil {
		t := *u.LockUntil
		cp.LockUntil = &t
	}
	cp.RefreshTokens = append([]core.RefreshTokenRecord(nil), u.RefreshTokens...)
	return &cp
}

func (r *userRepo) Create(ctx context.Context, u *core.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email := core.NormalizeEmail(u.Email)
	if _, exists := r.usersByEmail[email]; exists {
		return core.ErrConflict
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.Email = email
	u.CreatedAt = now
	u.UpdatedAt = now
	r.users[u.ID] = cloneUser(u)
	r.usersByEmail[email] = u.ID
	return nil
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*core.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.usersByEmail[core.NormalizeEmail(email)]
	if !ok {
		return nil, core.ErrNotFound
	}
	return cloneUser(r.users[id]), nil
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*core.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return cloneUser(u), nil
}

// mutate aplica fn sobre el registro vivo bajo lock.
func (r *userRepo) mutate(id string, fn func(u *core.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return core.ErrNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *userRepo) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return r.mutate(id, func(u *core.User) { u.PasswordHash = &passwordHash })
}

func (r *userRepo) MarkEmailVerified(ctx context.Context, id string) error {
	return r.mutate(id, func(u *core.User) { u.IsEmailVerified = true })
}

func (r *userRepo) Deactivate(ctx context.Context, id string) error {
	return r.mutate(id, func(u *core.User) { u.IsActive = false })
}

func (r *userRepo) ResetLoginAttempts(ctx context.Context, id string) error {
	return r.mutate(id, func(u *core.User) {
		u.LoginAttempts = 0
		u.LockUntil = nil
	})
}

func (r *userRepo) RegisterFailedLogin(ctx context.Context, id string, threshold int, lockFor time.Duration, now time.Time) (int, bool, error) {
	var attempts int
	var locked bool
	err := r.mutate(id, func(u *core.User) {
		u.LoginAttempts++
		attempts = u.LoginAttempts
		if attempts >= threshold {
			until := now.Add(lockFor)
			u.LockUntil = &until
			locked = true
		}
	})
	return attempts, locked, err
}

func (r *userRepo) ClearLock(ctx context.Context, id string) error {
	return r.mutate(id, func(u *core.User) {
		u.LoginAttempts = 0
		u.LockUntil = nil
	})
}

func (r *userRepo) BumpTokenVersion(ctx context.Context, id string) (int, error) {
	var v int
	err := r.mutate(id, func(u *core.User) {
		u.TokenVersion++
		v = u.TokenVersion
	})
	return v, err
}

func (r *userRepo) AppendRefreshToken(ctx context.Context, id string, rec core.RefreshTokenRecord) error {
	return r.mutate(id, func(u *core.User) {
		u.RefreshTokens = append(u.RefreshTokens, rec)
		if n := len(u.RefreshTokens); n > core.MaxRefreshTokens {
			u.RefreshTokens = u.RefreshTokens[n-core.MaxRefreshTokens:]
		}
	})
}

func (r *userRepo) TakeRefreshToken(ctx context.Context, id, tokenHash string) (bool, error) {
	var found bool
	err := r.mutate(id, func(u *core.User) {
		out := u.RefreshTokens[:0]
		for _, rec := range u.RefreshTokens {
			if !found && rec.TokenHash == tokenHash {
				found = true
				continue
			}
			out = append(out, rec)
		}
		u.RefreshTokens = out
	})
	return found, err
}

func (r *userRepo) ClearRefreshTokens(ctx context.Context, id string) error {
	return r.mutate(id, func(u *core.User) { u.RefreshTokens = nil })
}

func (r *userRepo) SetVerificationToken(ctx context.Context, id string, kind core.VerificationKind, tokenHash string, expiresAt time.Time) error {
	return r.mutate(id, func(u *core.User) {
		switch kind {
		case core.VerificationReset:
			u.ResetTokenHash = &tokenHash
			u.ResetTokenExpiresAt = &expiresAt
		default:
			u.VerifyTokenHash = &tokenHash
			u.VerifyTokenExpiresAt = &expiresAt
		}
	})
}

func (r *userRepo) ConsumeVerificationToken(ctx context.Context, kind core.VerificationKind, tokenHash string, now time.Time) (*core.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		var hash *string
		var exp *time.Time
		if kind == core.VerificationReset {
			hash, exp = u.ResetTokenHash, u.ResetTokenExpiresAt
		} else {
			hash, exp = u.VerifyTokenHash, u.VerifyTokenExpiresAt
		}
		if hash == nil || *hash != tokenHash {
			continue
		}
		if exp == nil || !exp.After(now) {
			return nil, core.ErrNotFound
		}
		// single-use: limpiar al consumir
		if kind == core.VerificationReset {
			u.ResetTokenHash, u.ResetTokenExpiresAt = nil, nil
		} else {
			u.VerifyTokenHash, u.VerifyTokenExpiresAt = nil, nil
		}
		u.UpdatedAt = time.Now().UTC()
		return cloneUser(u), nil
	}
	return nil, core.ErrNotFound
}

// =================================================================================
// API KEYS
// =================================================================================

type keyRepo Store

func cloneKey(k *core.APIKey, withSecret bool) *core.APIKey {
	cp := *k
	if !withSecret {
		cp.EncryptedKey = ""
	}
	cp.Metadata.Permissions = append([]string(nil), k.Metadata.Permissions...)
	cp.Metadata.Models = append([]string(nil), k.Metadata.Models...)
	return &cp
}

func (r *keyRepo) UpsertActive(ctx context.Context, k *core.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	// Desactivar el activo previo del par (user, provider) en la misma sección
	// crítica: nunca hay ventana con dos activos.
	for _, prev := range r.keys {
		if prev.UserID == k.UserID && prev.Provider == k.Provider && prev.IsActive {
			prev.IsActive = false
			prev.UpdatedAt = now
		}
	}
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	k.IsActive = true
	k.CreatedAt = now
	k.UpdatedAt = now
	r.keys[k.ID] = cloneKey(k, true)
	return nil
}

func (r *keyRepo) GetActive(ctx context.Context, userID, provider string, withSecret bool) (*core.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.keys {
		if k.UserID == userID && k.Provider == provider && k.IsActive {
			return cloneKey(k, withSecret), nil
		}
	}
	return nil, core.ErrNotFound
}

func (r *keyRepo) ListActive(ctx context.Context, userID string) ([]*core.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.APIKey
	for _, k := range r.keys {
		if k.UserID == userID && k.IsActive {
			out = append(out, cloneKey(k, false))
		}
	}
	return out, nil
}

func (r *keyRepo) Deactivate(ctx context.Context, userID, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, k := range r.keys {
		if k.UserID == userID && k.Provider == provider && k.IsActive {
			k.IsActive = false
			k.UpdatedAt = time.Now().UTC()
			found = true
		}
	}
	if !found {
		return core.ErrNotFound
	}
	return nil
}

func (r *keyRepo) RecordVerification(ctx context.Context, id string, ok bool, errMsg string, meta core.KeyMetadata, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, exists := r.keys[id]
	if !exists {
		return core.ErrNotFound
	}
	k.IsVerified = ok
	if ok {
		k.VerifiedAt = &at
		k.LastError = ""
		k.Metadata = meta
	} else {
		k.LastError = errMsg
	}
	k.UpdatedAt = at
	return nil
}

func (r *keyRepo) RecordUsage(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, exists := r.keys[id]
	if !exists {
		return core.ErrNotFound
	}
	k.UsageCount++
	k.LastUsedAt = &at
	k.UpdatedAt = at
	return nil
}

// =================================================================================
// INTEGRATIONS
// =================================================================================

type integrationRepo Store

func integrationKey(userID, integrationID string) string {
	return userID + "/" + integrationID
}

func cloneIntegration(in *core.Integration) *core.Integration {
	cp := *in
	if in.TokenExpiresAt != nil {
		t := *in.TokenExpiresAt
		cp.TokenExpiresAt = &t
	}
	cp.Capabilities = append([]core.Capability(nil), in.Capabilities...)
	return &cp
}

func (r *integrationRepo) Upsert(ctx context.Context, in *core.Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	key := integrationKey(in.UserID, in.IntegrationID)
	if prev, ok := r.integrations[key]; ok {
		// Reconexión: sobreescritura completa, se conserva ID y CreatedAt.
		in.ID = prev.ID
		in.CreatedAt = prev.CreatedAt
	} else {
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	r.integrations[key] = cloneIntegration(in)
	return nil
}

func (r *integrationRepo) Get(ctx context.Context, userID, integrationID string) (*core.Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.integrations[integrationKey(userID, integrationID)]
	if !ok {
		return nil, core.ErrNotFound
	}
	return cloneIntegration(in), nil
}

func (r *integrationRepo) List(ctx context.Context, userID string) ([]*core.Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.Integration
	for _, in := range r.integrations {
		if in.UserID == userID {
			out = append(out, cloneIntegration(in))
		}
	}
	return out, nil
}

func (r *integrationRepo) mutate(userID, integrationID string, fn func(in *core.Integration)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.integrations[integrationKey(userID, integrationID)]
	if !ok {
		return core.ErrNotFound
	}
	fn(in)
	in.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *integrationRepo) UpdateTokens(ctx context.Context, userID, integrationID, encAccess, encRefresh string, expiresAt *time.Time) error {
	return r.mutate(userID, integrationID, func(in *core.Integration) {
		in.EncryptedAccessToken = encAccess
		if encRefresh != "" {
			in.EncryptedRefreshToken = encRefresh
		}
		in.TokenExpiresAt = expiresAt
		in.Status = core.StatusConnected
		in.LastError = ""
	})
}

func (r *integrationRepo) SetStatus(ctx context.Context, userID, integrationID string, status core.ConnectionStatus, lastError string) error {
	return r.mutate(userID, integrationID, func(in *core.Integration) {
		in.Status = status
		in.LastError = lastError
	})
}

func (r *integrationRepo) Disconnect(ctx context.Context, userID, integrationID string) error {
	return r.mutate(userID, integrationID, func(in *core.Integration) {
		in.Status = core.StatusDisconnected
		in.EncryptedAccessToken = ""
		in.EncryptedRefreshToken = ""
		in.TokenExpiresAt = nil
	})
}

func (r *integrationRepo) RecordSync(ctx context.Context, userID, integrationID, capability string, at time.Time) error {
	return r.mutate(userID, integrationID, func(in *core.Integration) {
		in.SyncCount++
		in.LastSyncAt = &at
		if capability == "" {
			return
		}
		for idx := range in.Capabilities {
			if in.Capabilities[idx].Name == capability {
				in.Capabilities[idx].LastUsedAt = &at
				return
			}
		}
		in.Capabilities = append(in.Capabilities, core.Capability{Name: capability, LastUsedAt: &at})
	})
}
