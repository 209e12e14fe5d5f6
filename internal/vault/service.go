package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dropDatabas3/keybridge/internal/metrics"
	"github.com/dropDatabas3/keybridge/internal/observability/logger"
	"github.com/dropDatabas3/keybridge/internal/security/secretbox"
	"github.com/dropDatabas3/keybridge/internal/store/core"
)

// Errores del servicio de vault.
var (
	ErrUnknownProvider = fmt.Errorf("unknown provider")
	ErrKeyNotFound     = fmt.Errorf("no active key for provider")
	ErrEmptyKey        = fmt.Errorf("empty key")
)

// Deps contiene las dependencias del vault.
type Deps struct {
	Keys      core.APIKeyRepository
	Box       *secretbox.Box
	Verifiers *Registry
	Now       func() time.Time
}

type Service struct {
	deps Deps
}

func NewService(deps Deps) *Service {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{deps: deps}
}

// TestResult es el resultado de un health check de key.
type TestResult struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// Save verifica la key en vivo contra el proveedor y, solo si verifica,
// desactiva el registro activo previo (si hay) y persiste la nueva cifrada.
// La persistencia jamás ocurre antes de la verificación.
func (s *Service) Save(ctx context.Context, userID, provider, plainKey, label string) (*core.APIKey, error) {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("vault"),
		logger.Op("Save"),
		logger.UserID(userID),
		logger.Provider(provider),
	)

	plainKey = strings.TrimSpace(plainKey)
	if plainKey == "" {
		return nil, ErrEmptyKey
	}

	verifier, err := s.deps.Verifiers.Get(provider)
	if err != nil {
		return nil, err
	}

	// Paso 1: round-trip real contra el proveedor.
	meta, err := verifier.Verify(ctx, plainKey)
	if err != nil {
		metrics.KeyVerifications.WithLabelValues(provider, verifyOutcome(err)).Inc()
		log.Info("key verification failed", logger.Err(err))
		return nil, err
	}
	metrics.KeyVerifications.WithLabelValues(provider, "ok").Inc()

	// Paso 2: cifrar y persistir. Desactivar el previo + insertar es una
	// unidad lógica del repositorio, acá no hay ventana con cero o dos activos.
	enc, err := s.deps.Box.Encrypt(plainKey)
	if err != nil {
		log.Error("key encryption failed", logger.Err(err))
		return nil, err
	}

	now := s.deps.Now()
	rec := &core.APIKey{
		UserID:       userID,
		Provider:     provider,
		Label:        strings.TrimSpace(label),
		EncryptedKey: enc,
		KeyPrefix:    displayPrefix(plainKey),
		IsActive:     true,
		IsVerified:   true,
		VerifiedAt:   &now,
		Metadata: core.KeyMetadata{
			OrganizationID: meta.OrganizationID,
			Permissions:    meta.Permissions,
			Models:         meta.Models,
			RateLimitRPM:   meta.RateLimitRPM,
		},
	}
	if err := s.deps.Keys.UpsertActive(ctx, rec); err != nil {
		log.Error("key persist failed", logger.Err(err))
		return nil, err
	}

	log.Info("api key saved", logger.String("prefix", rec.KeyPrefix))
	// El blob no sale del servicio.
	rec.EncryptedKey = ""
	return rec, nil
}

// Test descifra la key activa, repite la verificación en vivo y actualiza los
// campos de verificación. Sirve como health check periódico sin pedir el
// secreto de nuevo.
func (s *Service) Test(ctx context.Context, userID, provider string) (*TestResult, error) {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("vault"),
		logger.Op("Test"),
		logger.UserID(userID),
		logger.Provider(provider),
	)

	verifier, err := s.deps.Verifiers.Get(provider)
	if err != nil {
		return nil, err
	}

	rec, err := s.deps.Keys.GetActive(ctx, userID, provider, true)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}

	plain, err := s.deps.Box.Decrypt(rec.EncryptedKey)
	if err != nil {
		if errors.Is(err, secretbox.ErrDecrypt) {
			metrics.DecryptFailures.Inc()
		}
		log.Error("stored key decrypt failed", logger.Err(err))
		return nil, err
	}

	now := s.deps.Now()
	meta, err := verifier.Verify(ctx, plain)
	if err != nil {
		metrics.KeyVerifications.WithLabelValues(provider, verifyOutcome(err)).Inc()
		msg := userMessage(err)
		if recErr := s.deps.Keys.RecordVerification(ctx, rec.ID, false, msg, rec.Metadata, now); recErr != nil {
			log.Warn("failed to record verification result", logger.Err(recErr))
		}
		return &TestResult{Valid: false, Message: msg}, nil
	}
	metrics.KeyVerifications.WithLabelValues(provider, "ok").Inc()

	updated := core.KeyMetadata{
		OrganizationID: meta.OrganizationID,
		Permissions:    meta.Permissions,
		Models:         meta.Models,
		RateLimitRPM:   meta.RateLimitRPM,
	}
	if err := s.deps.Keys.RecordVerification(ctx, rec.ID, true, "", updated, now); err != nil {
		log.Warn("failed to record verification result", logger.Err(err))
	}
	return &TestResult{Valid: true}, nil
}

// List devuelve los registros activos del usuario, sin blobs: hacia afuera
// solo viaja el prefijo de display.
func (s *Service) List(ctx context.Context, userID string) ([]*core.APIKey, error) {
	return s.deps.Keys.ListActive(ctx, userID)
}

// Delete desactiva el registro activo. Nunca se borra físicamente.
func (s *Service) Delete(ctx context.Context, userID, provider string) error {
	err := s.deps.Keys.Deactivate(ctx, userID, provider)
	if errors.Is(err, core.ErrNotFound) {
		return ErrKeyNotFound
	}
	return err
}

// GetDecrypted devuelve el secreto en claro para consumidores internos
// autorizados (armar un cliente del proveedor). No se rutea directo a ningún
// response externo.
func (s *Service) GetDecrypted(ctx context.Context, userID, provider string) (string, error) {
	rec, err := s.deps.Keys.GetActive(ctx, userID, provider, true)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return "", ErrKeyNotFound
		}
		return "", err
	}
	plain, err := s.deps.Box.Decrypt(rec.EncryptedKey)
	if err != nil {
		if errors.Is(err, secretbox.ErrDecrypt) {
			metrics.DecryptFailures.Inc()
		}
		logger.From(ctx).Error("stored key decrypt failed",
			logger.Component("vault"), logger.Op("GetDecrypted"),
			logger.UserID(userID), logger.Provider(provider), logger.Err(err))
		return "", err
	}
	if err := s.deps.Keys.RecordUsage(ctx, rec.ID, s.deps.Now()); err != nil {
		logger.From(ctx).Warn("failed to record key usage",
			logger.Component("vault"), logger.Err(err))
	}
	return plain, nil
}

// displayPrefix devuelve los primeros caracteres de la key para que el
// usuario la identifique en la UI. Suficiente para distinguir, inútil para
// reconstruir.
func displayPrefix(plainKey string) string {
	const n = 8
	if len(plainKey) <= n {
		return plainKey[:len(plainKey)/2] + "..."
	}
	return plainKey[:n] + "..."
}

func verifyOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInsufficientScope):
		return "insufficient_scope"
	case errors.Is(err, ErrNetwork):
		return "network_error"
	default:
		return "error"
	}
}

// userMessage traduce el error clasificado a un mensaje para el usuario.
// Jamás incluye el secreto.
func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidKey):
		return "the provider rejected this key"
	case errors.Is(err, ErrRateLimited):
		return "the provider rate limited the check, try again later"
	case errors.Is(err, ErrInsufficientScope):
		return "the key does not have the required permissions"
	case errors.Is(err, ErrNetwork):
		return "could not reach the provider, try again later"
	default:
		return "verification failed"
	}
}
