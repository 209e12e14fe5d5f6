// Package auth implementa registro, login con lockout, y los flujos de email
// verification / password reset sobre el Token Service.
package auth

import (
	"fmt"
	"time"

	"github.com/dropDatabas3/keybridge/internal/email"
	"github.com/dropDatabas3/keybridge/internal/security/password"
	"github.com/dropDatabas3/keybridge/internal/store/core"
	"github.com/dropDatabas3/keybridge/internal/token"
)

// Errores de auth.
var (
	ErrMissingFields = fmt.Errorf("missing required fields")
	// ErrInvalidCredentials cubre usuario inexistente, password mal y cuenta
	// desactivada: mismo mensaje y misma latencia hacia afuera.
	ErrInvalidCredentials = fmt.Errorf("invalid credentials")
	// ErrAccountLocked: ventana de lockout activa. Status propio (423), no
	// consume otro intento fallido y no revela si el password era correcto.
	ErrAccountLocked = fmt.Errorf("account locked")
	ErrEmailTaken    = fmt.Errorf("email already registered")
	ErrWeakInput     = fmt.Errorf("invalid registration input")
	ErrTokenInvalid  = fmt.Errorf("invalid or expired token")
)

const (
	// DefaultMaxAttempts bloquea al quinto intento fallido.
	DefaultMaxAttempts = 5
	// DefaultLockDuration es la ventana de lockout.
	DefaultLockDuration = 2 * time.Hour
)

// Deps contiene las dependencias del servicio de auth.
type Deps struct {
	Users        core.UserRepository
	Tokens       *token.Service
	Mailer       *email.Mailer
	HashParams   password.Params
	MaxAttempts  int
	LockDuration time.Duration
	Now          func() time.Time
	// Verify compara password contra hash; nil usa password.Verify.
	Verify func(plain, hash string) bool
}

type Service struct {
	deps Deps
}

// NewService crea el servicio de auth con defaults sanos.
func NewService(deps Deps) *Service {
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = DefaultMaxAttempts
	}
	if deps.LockDuration <= 0 {
		deps.LockDuration = DefaultLockDuration
	}
	if deps.HashParams == (password.Params{}) {
		deps.HashParams = password.Default
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Verify == nil {
		deps.Verify = password.Verify
	}
	return &Service{deps: deps}
}
