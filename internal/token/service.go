// Package token emite, verifica y rota los pares access/refresh, y deriva los
// tokens one-way de verificación de email y reset de password.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/keybridge/internal/metrics"
	"github.com/dropDatabas3/keybridge/internal/observability/logger"
	tokens "github.com/dropDatabas3/keybridge/internal/security/token"
	"github.com/dropDatabas3/keybridge/internal/store/core"
)

// Errores del servicio. Expirado e inválido se distinguen para que el caller
// sepa si corresponde un refresh o un re-login.
var (
	ErrTokenExpired = fmt.Errorf("token expired")
	ErrTokenInvalid = fmt.Errorf("token invalid")
	// ErrTokenRevoked: firma y expiración válidas pero tv quedó atrás del
	// tokenVersion actual del usuario (logout-all, cambio de password).
	ErrTokenRevoked = fmt.Errorf("token revoked")
	// ErrRefreshReuse: replay de un refresh token ya rotado. Evidencia de
	// robo; dispara el wipe de todas las sesiones del usuario.
	ErrRefreshReuse = fmt.Errorf("refresh token reuse detected")
)

// RequestContext lleva los datos de auditoría del request que pide tokens.
type RequestContext struct {
	ClientIP  string
	UserAgent string
}

// Pair es el resultado de un login o una rotación.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// AccessClaims es lo que un access token verificado aporta.
type AccessClaims struct {
	UserID       string
	TokenVersion int
}

// Deps del servicio.
type Deps struct {
	Users      core.UserRepository
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration // escala minutos
	RefreshTTL time.Duration // escala semanas
	VerifyTTL  time.Duration // email verify
	ResetTTL   time.Duration // password reset
	Now        func() time.Time
}

type Service struct {
	deps Deps
}

func NewService(deps Deps) *Service {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.AccessTTL <= 0 {
		deps.AccessTTL = 15 * time.Minute
	}
	if deps.RefreshTTL <= 0 {
		deps.RefreshTTL = 14 * 24 * time.Hour
	}
	if deps.VerifyTTL <= 0 {
		deps.VerifyTTL = 24 * time.Hour
	}
	if deps.ResetTTL <= 0 {
		deps.ResetTTL = time.Hour
	}
	return &Service{deps: deps}
}

// IssueAccessToken firma un access token con {sub, tv}. Sin estado: la
// verificación es función pura del secreto de firma.
func (s *Service) IssueAccessToken(u *core.User) (string, time.Time, error) {
	now := s.deps.Now()
	exp := now.Add(s.deps.AccessTTL)

	claims := jwtv5.MapClaims{
		"iss": s.deps.Issuer,
		"sub": u.ID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
		"tv":  u.TokenVersion,
	}
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims)
	tk.Header["typ"] = "JWT"

	signed, err := tk.SignedString(s.deps.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// IssueRefreshToken firma un refresh token {sub, token_use, jti} y persiste su
// hash en la lista acotada del usuario (cap 10, FIFO) con IP/UA para auditoría.
func (s *Service) IssueRefreshToken(ctx context.Context, u *core.User, rc RequestContext) (string, error) {
	now := s.deps.Now()
	claims := jwtv5.MapClaims{
		"iss":       s.deps.Issuer,
		"sub":       u.ID,
		"iat":       now.Unix(),
		"exp":       now.Add(s.deps.RefreshTTL).Unix(),
		"token_use": "refresh",
		"jti":       uuid.NewString(),
	}
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims)
	tk.Header["typ"] = "JWT"

	signed, err := tk.SignedString(s.deps.Secret)
	if err != nil {
		return "", err
	}

	rec := core.RefreshTokenRecord{
		TokenHash: tokens.SHA256Base64URL(signed),
		CreatedAt: now,
		ClientIP:  rc.ClientIP,
		UserAgent: rc.UserAgent,
	}
	if err := s.deps.Users.AppendRefreshToken(ctx, u.ID, rec); err != nil {
		return "", err
	}
	return signed, nil
}

// IssuePair compone access + refresh.
func (s *Service) IssuePair(ctx context.Context, u *core.User, rc RequestContext) (*Pair, error) {
	access, exp, err := s.IssueAccessToken(u)
	if err != nil {
		return nil, err
	}
	refresh, err := s.IssueRefreshToken(ctx, u, rc)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(exp.Sub(s.deps.Now()).Seconds()),
	}, nil
}

// keyfunc acepta únicamente HS256 con el secreto del servicio.
func (s *Service) keyfunc(t *jwtv5.Token) (any, error) {
	if _, ok := t.Method.(*jwtv5.SigningMethodHMAC); !ok {
		return nil, jwtv5.ErrTokenUnverifiable
	}
	return s.deps.Secret, nil
}

// parse aplica el reloj inyectado y traduce los errores de jwt a los del servicio.
func (s *Service) parse(tokenStr string) (jwtv5.MapClaims, error) {
	parsed, err := jwtv5.Parse(tokenStr, s.keyfunc,
		jwtv5.WithValidMethods([]string{"HS256"}),
		jwtv5.WithTimeFunc(s.deps.Now),
	)
	if err != nil {
		if errors.Is(err, jwtv5.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(jwtv5.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// VerifyAccess valida firma y expiración y extrae {sub, tv}. No toca el store;
// el chequeo contra el tokenVersion actual lo hace Authenticate.
func (s *Service) VerifyAccess(tokenStr string) (*AccessClaims, error) {
	claims, err := s.parse(tokenStr)
	if err != nil {
		return nil, err
	}
	if use, _ := claims["token_use"].(string); use == "refresh" {
		// Un refresh token no sirve como access token.
		return nil, ErrTokenInvalid
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, ErrTokenInvalid
	}
	tv, ok := claims["tv"].(float64)
	if !ok {
		return nil, ErrTokenInvalid
	}
	return &AccessClaims{UserID: sub, TokenVersion: int(tv)}, nil
}

// Authenticate resuelve el usuario de un access token y aplica el invariante
// de versión: tv embebido != tokenVersion actual => rechazado aunque firma y
// expiración estén bien.
func (s *Service) Authenticate(ctx context.Context, tokenStr string) (*core.User, error) {
	ac, err := s.VerifyAccess(tokenStr)
	if err != nil {
		return nil, err
	}
	u, err := s.deps.Users.GetByID(ctx, ac.UserID)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	if !u.IsActive {
		return nil, ErrTokenRevoked
	}
	if ac.TokenVersion != u.TokenVersion {
		return nil, ErrTokenRevoked
	}
	return u, nil
}

// Rotate verifica el refresh token presentado y lo rota single-use.
//
// Detección de reuso: un token con firma válida que NO figura en la lista
// almacenada ya fue rotado (o evictado); presentarlo es evidencia de robo.
// Respuesta: wipe de todos los refresh tokens + bump de tokenVersion (mata
// también los access tokens en vuelo) y ErrRefreshReuse. La corrección no
// depende de un mutex: "no está en la lista" es el trigger, alcanza con
// read-after-write sobre el documento del usuario.
func (s *Service) Rotate(ctx context.Context, presented string, rc RequestContext) (*Pair, error) {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("token"),
		logger.Op("Rotate"),
	)

	claims, err := s.parse(presented)
	if err != nil {
		return nil, err
	}
	if use, _ := claims["token_use"].(string); use != "refresh" {
		return nil, ErrTokenInvalid
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, ErrTokenInvalid
	}

	u, err := s.deps.Users.GetByID(ctx, sub)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	if !u.IsActive {
		return nil, ErrTokenRevoked
	}

	log = log.With(logger.UserID(u.ID))

	found, err := s.deps.Users.TakeRefreshToken(ctx, u.ID, tokens.SHA256Base64URL(presented))
	if err != nil {
		return nil, err
	}
	if !found {
		// Replay de un token ya rotado: sesión comprometida.
		if err := s.deps.Users.ClearRefreshTokens(ctx, u.ID); err != nil {
			log.Error("failed to wipe refresh tokens after reuse", logger.Err(err))
		}
		if _, err := s.deps.Users.BumpTokenVersion(ctx, u.ID); err != nil {
			log.Error("failed to bump token version after reuse", logger.Err(err))
		}
		metrics.RefreshReuseDetected.Inc()
		log.Warn("refresh token reuse detected, all sessions revoked",
			logger.ClientIP(rc.ClientIP),
			logger.UserAgent(rc.UserAgent),
		)
		return nil, ErrRefreshReuse
	}

	return s.IssuePair(ctx, u, rc)
}

// Revoke invalida un refresh token puntual (logout de un dispositivo).
func (s *Service) Revoke(ctx context.Context, userID, refreshToken string) error {
	_, err := s.deps.Users.TakeRefreshToken(ctx, userID, tokens.SHA256Base64URL(refreshToken))
	return err
}

// RevokeAll vacía la lista de refresh tokens y bumpea tokenVersion:
// logout de todos los dispositivos / respuesta a compromiso.
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	if err := s.deps.Users.ClearRefreshTokens(ctx, userID); err != nil {
		return err
	}
	_, err := s.deps.Users.BumpTokenVersion(ctx, userID)
	return err
}

// CreateVerificationToken genera un valor aleatorio de alta entropía, persiste
// solo su hash con expiración, y devuelve el valor crudo para embeber en el
// link del email. El crudo jamás se guarda: un compromiso de la DB no permite
// forjar verificaciones.
func (s *Service) CreateVerificationToken(ctx context.Context, userID string, kind core.VerificationKind) (string, error) {
	raw, err := tokens.GenerateOpaqueToken(32)
	if err != nil {
		return "", err
	}
	ttl := s.deps.VerifyTTL
	if kind == core.VerificationReset {
		ttl = s.deps.ResetTTL
	}
	exp := s.deps.Now().Add(ttl)
	if err := s.deps.Users.SetVerificationToken(ctx, userID, kind, tokens.SHA256Base64URL(raw), exp); err != nil {
		return "", err
	}
	return raw, nil
}

// ConsumeVerificationToken re-hashea el valor presentado y lo consume
// (single-use) si el hash existe y no expiró.
func (s *Service) ConsumeVerificationToken(ctx context.Context, kind core.VerificationKind, raw string) (*core.User, error) {
	return s.deps.Users.ConsumeVerificationToken(ctx, kind, tokens.SHA256Base64URL(raw), s.deps.Now())
}
