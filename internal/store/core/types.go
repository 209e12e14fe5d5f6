package core

import (
	"strings"
	"time"
)

// Role de usuario.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// RefreshTokenRecord es una entrada de la lista acotada de refresh tokens de
// un usuario. Se guarda el hash del token, nunca el valor crudo.
type RefreshTokenRecord struct {
	TokenHash string    `json:"token_hash"`
	CreatedAt time.Time `json:"created_at"`
	ClientIP  string    `json:"client_ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// MaxRefreshTokens acota la lista por usuario. FIFO: al exceder se evicta el
// más viejo.
const MaxRefreshTokens = 10

// User es la identidad + estado de credenciales.
//
// Invariantes:
//   - TokenVersion solo crece; un access token vale únicamente si su "tv"
//     coincide con el valor actual.
//   - LockUntil en el futuro implica cuenta bloqueada sin importar el contador.
//   - PasswordHash jamás se serializa hacia afuera.
type User struct {
	ID           string  `json:"id"`
	Email        string  `json:"email"`
	Name         string  `json:"name"`
	PasswordHash *string `json:"-"`
	Role         Role    `json:"role"`

	TokenVersion  int        `json:"-"`
	LoginAttempts int        `json:"-"`
	LockUntil     *time.Time `json:"-"`

	IsActive        bool `json:"is_active"`
	IsEmailVerified bool `json:"is_email_verified"`

	VerifyTokenHash      *string    `json:"-"`
	VerifyTokenExpiresAt *time.Time `json:"-"`
	ResetTokenHash       *string    `json:"-"`
	ResetTokenExpiresAt  *time.Time `json:"-"`

	RefreshTokens []RefreshTokenRecord `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsLocked reporta si la cuenta está bloqueada en el instante dado.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockUntil != nil && u.LockUntil.After(now)
}

// NormalizeEmail es la normalización canónica de emails (case-insensitive).
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

// VerificationKind distingue los tokens one-way de email y de password reset.
type VerificationKind string

const (
	VerificationEmail VerificationKind = "email_verify"
	VerificationReset VerificationKind = "password_reset"
)

// KeyMetadata agrupa los metadatos que devuelve el verificador del proveedor.
type KeyMetadata struct {
	OrganizationID string   `json:"organization_id,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
	Models         []string `json:"models,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`
}

// APIKey es una credencial de terceros por (usuario, proveedor).
// El blob cifrado queda excluido de las lecturas por defecto: solo
// GetActive(..., withSecret=true) lo trae.
type APIKey struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
	Label    string `json:"label,omitempty"`

	EncryptedKey string `json:"-"`
	KeyPrefix    string `json:"key_prefix"`

	IsActive   bool       `json:"is_active"`
	IsVerified bool       `json:"is_verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`

	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	Metadata  KeyMetadata `json:"metadata"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConnectionStatus de una integración OAuth.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
	StatusPending      ConnectionStatus = "pending"
)

// Capability es un flag de capacidad declarado por el proveedor, con el
// último uso registrado.
type Capability struct {
	Name       string     `json:"name"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Integration es el vínculo OAuth por (usuario, integración).
// Los tokens se guardan siempre cifrados y nunca se serializan: las vistas
// externas solo exponen los derivados IsConnected / IsTokenValid.
type Integration struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	IntegrationID string `json:"integration_id"`
	DisplayName   string `json:"display_name,omitempty"`

	Status ConnectionStatus `json:"status"`

	EncryptedAccessToken  string     `json:"-"`
	EncryptedRefreshToken string     `json:"-"`
	TokenExpiresAt        *time.Time `json:"-"`

	WorkspaceID    string `json:"workspace_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	TeamID         string `json:"team_id,omitempty"`

	Capabilities []Capability `json:"capabilities,omitempty"`

	SyncCount  int64      `json:"sync_count"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsConnected deriva el booleano expuesto hacia afuera.
func (i *Integration) IsConnected() bool {
	return i.Status == StatusConnected && i.EncryptedAccessToken != ""
}

// IsTokenValid reporta si el access token guardado sigue vigente.
// Sin metadata de expiración se asume vigente (providers sin expires_in).
func (i *Integration) IsTokenValid(now time.Time) bool {
	if !i.IsConnected() {
		return false
	}
	if i.TokenExpiresAt == nil {
		return true
	}
	return i.TokenExpiresAt.After(now)
}
