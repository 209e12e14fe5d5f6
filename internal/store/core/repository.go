package core

import (
	"context"
	"time"
)

// UserRepository persiste usuarios y su estado de seguridad.
//
// La rotación de refresh tokens no depende de locks: TakeRefreshToken es la
// primitiva atómica "remover si está y reportar si estaba", que es lo único
// que la detección de reuso necesita del store (read-after-write sobre el
// documento de un usuario).
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)

	// UpdatePassword reemplaza el hash. El bump de TokenVersion es explícito
	// y separado (lo decide el servicio).
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	MarkEmailVerified(ctx context.Context, id string) error
	// Deactivate es baja lógica: el registro nunca se borra.
	Deactivate(ctx context.Context, id string) error

	// --- máquina de estados de lockout ---

	ResetLoginAttempts(ctx context.Context, id string) error
	// RegisterFailedLogin incrementa el contador y, si alcanza threshold,
	// fija LockUntil = now + lockFor. Devuelve el contador post-incremento.
	RegisterFailedLogin(ctx context.Context, id string, threshold int, lockFor time.Duration, now time.Time) (attempts int, locked bool, err error)
	// ClearLock resetea contador y lock (lock expirado ⇒ unlocked(0)).
	ClearLock(ctx context.Context, id string) error

	// --- tokenVersion / refresh tokens ---

	// BumpTokenVersion incrementa el contador monótono y devuelve el nuevo valor.
	BumpTokenVersion(ctx context.Context, id string) (int, error)
	// AppendRefreshToken agrega al final de la lista acotada (cap
	// MaxRefreshTokens, evicción FIFO del más viejo).
	AppendRefreshToken(ctx context.Context, id string, rec RefreshTokenRecord) error
	// TakeRefreshToken remueve el hash si está presente y reporta si estaba.
	TakeRefreshToken(ctx context.Context, id, tokenHash string) (found bool, err error)
	ClearRefreshTokens(ctx context.Context, id string) error

	// --- tokens de verificación one-way ---

	SetVerificationToken(ctx context.Context, id string, kind VerificationKind, tokenHash string, expiresAt time.Time) error
	// ConsumeVerificationToken busca por hash, valida expiración y limpia el
	// campo. ErrNotFound si el hash no existe o expiró.
	ConsumeVerificationToken(ctx context.Context, kind VerificationKind, tokenHash string, now time.Time) (*User, error)
}

// APIKeyRepository persiste credenciales de terceros.
//
// Invariante: a lo sumo un registro activo por (userID, provider). UpsertActive
// desactiva el activo previo e inserta el nuevo como unidad lógica (transacción
// o constraint de unicidad parcial, según adapter).
type APIKeyRepository interface {
	UpsertActive(ctx context.Context, k *APIKey) error
	// GetActive devuelve el registro activo. withSecret controla si se trae
	// el blob cifrado (excluido por defecto).
	GetActive(ctx context.Context, userID, provider string, withSecret bool) (*APIKey, error)
	// ListActive devuelve los activos del usuario, sin blobs.
	ListActive(ctx context.Context, userID string) ([]*APIKey, error)
	Deactivate(ctx context.Context, userID, provider string) error
	RecordVerification(ctx context.Context, id string, ok bool, errMsg string, meta KeyMetadata, at time.Time) error
	RecordUsage(ctx context.Context, id string, at time.Time) error
}

// IntegrationRepository persiste conexiones OAuth, una por (userID, integrationID).
type IntegrationRepository interface {
	// Upsert sobreescribe el registro completo en reconexión (no merge).
	Upsert(ctx context.Context, in *Integration) error
	Get(ctx context.Context, userID, integrationID string) (*Integration, error)
	List(ctx context.Context, userID string) ([]*Integration, error)
	// UpdateTokens reemplaza los blobs cifrados y la expiración en un refresh
	// silencioso, sin tocar el resto del registro.
	UpdateTokens(ctx context.Context, userID, integrationID, encAccess, encRefresh string, expiresAt *time.Time) error
	SetStatus(ctx context.Context, userID, integrationID string, status ConnectionStatus, lastError string) error
	// Disconnect nulifica ambos tokens y marca disconnected; el resto del
	// registro se conserva para auditoría/reconexión.
	Disconnect(ctx context.Context, userID, integrationID string) error
	RecordSync(ctx context.Context, userID, integrationID, capability string, at time.Time) error
}

// Store agrupa los repositorios sobre un backend durable.
type Store interface {
	Users() UserRepository
	Keys() APIKeyRepository
	Integrations() IntegrationRepository
	Ping(ctx context.Context) error
	Close()
}
