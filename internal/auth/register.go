package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/dropDatabas3/keybridge/internal/observability/logger"
	"github.com/dropDatabas3/keybridge/internal/security/password"
	"github.com/dropDatabas3/keybridge/internal/store/core"
	"github.com/dropDatabas3/keybridge/internal/validation"
)

// RegisterInput es el request de registro.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
}

// Register da de alta un usuario con identidad de password y dispara el mail
// de verificación (best effort: la falla del mail no aborta el alta).
func (s *Service) Register(ctx context.Context, in RegisterInput) (*core.User, error) {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("auth.register"),
		logger.Op("Register"),
	)

	in.Email = core.NormalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)

	if err := validation.ValidateEmail(in.Email); err != nil {
		return nil, ErrWeakInput
	}
	if err := validation.ValidatePassword(in.Password); err != nil {
		return nil, ErrWeakInput
	}

	hash, err := password.Hash(s.deps.HashParams, in.Password)
	if err != nil {
		log.Error("password hash failed", logger.Err(err))
		return nil, err
	}

	u := &core.User{
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: &hash,
		Role:         core.RoleUser,
		IsActive:     true,
	}
	if err := s.deps.Users.Create(ctx, u); err != nil {
		if errors.Is(err, core.ErrConflict) {
			return nil, ErrEmailTaken
		}
		log.Error("user create failed", logger.Err(err))
		return nil, err
	}

	log = log.With(logger.UserID(u.ID))

	if s.deps.Mailer != nil {
		raw, err := s.deps.Tokens.CreateVerificationToken(ctx, u.ID, core.VerificationEmail)
		if err != nil {
			log.Warn("verification token issue failed", logger.Err(err))
		} else if err := s.deps.Mailer.SendVerification(u.Email, raw); err != nil {
			log.Warn("verification email send failed", logger.Err(err))
		}
	}

	log.Info("user registered")
	return u, nil
}

// Deactivate es la baja lógica de la cuenta: isActive=false, sesiones
// revocadas, registro retenido.
func (s *Service) Deactivate(ctx context.Context, userID string) error {
	if err := s.deps.Users.Deactivate(ctx, userID); err != nil {
		return err
	}
	return s.deps.Tokens.RevokeAll(ctx, userID)
}
