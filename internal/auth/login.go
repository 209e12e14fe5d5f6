package auth

import (
	"context"
	"strings"

	"github.com/dropDatabas3/keybridge/internal/metrics"
	"github.com/dropDatabas3/keybridge/internal/observability/logger"
	"github.com/dropDatabas3/keybridge/internal/security/password"
	"github.com/dropDatabas3/keybridge/internal/store/core"
	"github.com/dropDatabas3/keybridge/internal/token"
)

// LoginInput es el request de login.
type LoginInput struct {
	Email    string
	Password string
}

// LoginResult devuelve el par de tokens y el usuario autenticado.
type LoginResult struct {
	User *core.User
	Pair *token.Pair
}

// Login ejecuta la máquina de estados de lockout:
//
//	unlocked(n) --fail--> unlocked(n+1) | locked(now+2h) cuando n+1 == 5
//	locked(until futuro) --cualquier intento--> ErrAccountLocked (sin comparar)
//	locked(until vencido) --> unlocked(0), se evalúa normal
//	unlocked --success--> unlocked(0)
//
// El chequeo de lock va ANTES de la comparación de password: el mensaje de
// lockout es autoritativo y no filtra si el password era correcto.
func (s *Service) Login(ctx context.Context, in LoginInput, rc token.RequestContext) (*LoginResult, error) {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("auth.login"),
		logger.Op("Login"),
	)

	// Paso 0: Normalización
	in.Email = core.NormalizeEmail(in.Email)
	in.Password = strings.TrimSpace(in.Password)

	// Paso 1: Campos faltantes. Igual se paga el hash dummy para que la
	// latencia no distinga este caso.
	if in.Email == "" || in.Password == "" {
		password.VerifyDummy(in.Password)
		return nil, ErrInvalidCredentials
	}

	// Paso 2: Buscar usuario. Inexistente => comparación dummy + genérico.
	u, err := s.deps.Users.GetByEmail(ctx, in.Email)
	if err != nil {
		log.Debug("user not found")
		password.VerifyDummy(in.Password)
		return nil, ErrInvalidCredentials
	}

	log = log.With(logger.UserID(u.ID))
	now := s.deps.Now()

	// Paso 3: Lockout vigente => rechazo inmediato, sin comparación real.
	if u.IsLocked(now) {
		log.Info("login rejected, account locked")
		return nil, ErrAccountLocked
	}

	// Paso 4: Lock vencido => auto-expira a unlocked(0).
	if u.LockUntil != nil {
		if err := s.deps.Users.ClearLock(ctx, u.ID); err != nil {
			log.Error("failed to clear expired lock", logger.Err(err))
			return nil, err
		}
	}

	// Paso 5: Cuenta desactivada o sin identidad de password.
	if !u.IsActive || u.PasswordHash == nil || *u.PasswordHash == "" {
		log.Debug("inactive account or no password identity")
		password.VerifyDummy(in.Password)
		return nil, ErrInvalidCredentials
	}

	// Paso 6: Verificar password.
	if !s.deps.Verify(in.Password, *u.PasswordHash) {
		attempts, locked, err := s.deps.Users.RegisterFailedLogin(
			ctx, u.ID, s.deps.MaxAttempts, s.deps.LockDuration, now)
		if err != nil {
			log.Error("failed to record login attempt", logger.Err(err))
			return nil, err
		}
		if locked {
			metrics.AccountLockouts.Inc()
			log.Warn("account locked after repeated failures",
				logger.Int("attempts", attempts),
			)
		} else {
			log.Debug("password check failed", logger.Int("attempts", attempts))
		}
		return nil, ErrInvalidCredentials
	}

	// Paso 7: Éxito => resetear contador y emitir el par.
	if err := s.deps.Users.ResetLoginAttempts(ctx, u.ID); err != nil {
		log.Error("failed to reset login attempts", logger.Err(err))
		return nil, err
	}

	pair, err := s.deps.Tokens.IssuePair(ctx, u, rc)
	if err != nil {
		log.Error("failed to issue token pair", logger.Err(err))
		return nil, err
	}

	log.Info("login successful")
	return &LoginResult{User: u, Pair: pair}, nil
}

// Logout revoca el refresh token presentado (un solo dispositivo).
func (s *Service) Logout(ctx context.Context, userID, refreshToken string) error {
	return s.deps.Tokens.Revoke(ctx, userID, refreshToken)
}

// LogoutAll revoca todas las sesiones del usuario (wipe + bump de versión).
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	return s.deps.Tokens.RevokeAll(ctx, userID)
}
