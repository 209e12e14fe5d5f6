package auth

import (
	"context"
	"errors"

	"github.com/dropDatabas3/keybridge/internal/observability/logger"
	"github.com/dropDatabas3/keybridge/internal/security/password"
	"github.com/dropDatabas3/keybridge/internal/store/core"
	"github.com/dropDatabas3/keybridge/internal/validation"
)

// RequestEmailVerification reemite el token de verificación y manda el mail.
func (s *Service) RequestEmailVerification(ctx context.Context, userID string) error {
	u, err := s.deps.Users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.IsEmailVerified {
		return nil
	}
	raw, err := s.deps.Tokens.CreateVerificationToken(ctx, u.ID, core.VerificationEmail)
	if err != nil {
		return err
	}
	if s.deps.Mailer == nil {
		return nil
	}
	return s.deps.Mailer.SendVerification(u.Email, raw)
}

// ConfirmEmail consume el token crudo del link y marca el email verificado.
func (s *Service) ConfirmEmail(ctx context.Context, rawToken string) error {
	u, err := s.deps.Tokens.ConsumeVerificationToken(ctx, core.VerificationEmail, rawToken)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return ErrTokenInvalid
		}
		return err
	}
	return s.deps.Users.MarkEmailVerified(ctx, u.ID)
}

// RequestPasswordReset emite el token de reset y manda el mail.
// Siempre responde OK hacia afuera: no se filtra si el email existe.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) error {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("auth.reset"),
		logger.Op("RequestPasswordReset"),
	)

	u, err := s.deps.Users.GetByEmail(ctx, core.NormalizeEmail(emailAddr))
	if err != nil {
		log.Debug("reset requested for unknown email")
		return nil
	}
	if !u.IsActive {
		return nil
	}
	raw, err := s.deps.Tokens.CreateVerificationToken(ctx, u.ID, core.VerificationReset)
	if err != nil {
		log.Error("reset token issue failed", logger.Err(err))
		return nil
	}
	if s.deps.Mailer != nil {
		if err := s.deps.Mailer.SendPasswordReset(u.Email, raw); err != nil {
			log.Warn("reset email send failed", logger.Err(err))
		}
	}
	return nil
}

// ResetPassword consume el token crudo del link y fija el password nuevo.
// Evento que invalida credenciales: bump de tokenVersion + wipe de refresh.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	if err := validation.ValidatePassword(newPassword); err != nil {
		return ErrWeakInput
	}
	u, err := s.deps.Tokens.ConsumeVerificationToken(ctx, core.VerificationReset, rawToken)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return ErrTokenInvalid
		}
		return err
	}
	hash, err := password.Hash(s.deps.HashParams, newPassword)
	if err != nil {
		return err
	}
	if err := s.deps.Users.UpdatePassword(ctx, u.ID, hash); err != nil {
		return err
	}
	// El reset también limpia un lockout vigente.
	if err := s.deps.Users.ClearLock(ctx, u.ID); err != nil {
		return err
	}
	return s.deps.Tokens.RevokeAll(ctx, u.ID)
}

// ChangePassword verifica el password actual y fija el nuevo. Igual que el
// reset, revoca todas las sesiones del usuario.
func (s *Service) ChangePassword(ctx context.Context, userID, current, newPassword string) error {
	if err := validation.ValidatePassword(newPassword); err != nil {
		return ErrWeakInput
	}
	u, err := s.deps.Users.GetByID(ctx, userID)
	if err != nil {
		return ErrInvalidCredentials
	}
	if u.PasswordHash == nil || !s.deps.Verify(current, *u.PasswordHash) {
		return ErrInvalidCredentials
	}
	hash, err := password.Hash(s.deps.HashParams, newPassword)
	if err != nil {
		return err
	}
	if err := s.deps.Users.UpdatePassword(ctx, userID, hash); err != nil {
		return err
	}
	return s.deps.Tokens.RevokeAll(ctx, userID)
}
