package connect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dropDatabas3/keybridge/internal/connect/state"
	"github.com/dropDatabas3/keybridge/internal/metrics"
	"github.com/dropDatabas3/keybridge/internal/observability/logger"
	"github.com/dropDatabas3/keybridge/internal/security/secretbox"
	"github.com/dropDatabas3/keybridge/internal/store/core"
)

// Errores del connection manager.
var (
	ErrUnknownIntegration = fmt.Errorf("unknown integration")
	// ErrStateInvalid: el nonce no está en el state store (nunca emitido, ya
	// consumido o vencido). Falla permanente para ese intento de flujo.
	ErrStateInvalid = fmt.Errorf("invalid or expired state")
	// ErrProviderDenied: el proveedor volvió con error en el callback.
	ErrProviderDenied = fmt.Errorf("provider denied authorization")
	ErrMissingCode    = fmt.Errorf("missing authorization code")
	// ErrExchangeFailed: el token endpoint rechazó el grant. Los codes son
	// single-use, se reintenta arrancando el flujo de cero.
	ErrExchangeFailed = fmt.Errorf("token exchange failed")
	ErrNotConnected   = fmt.Errorf("integration not connected")
	// ErrReauthRequired: token vencido y sin refresh token. Nunca se adivina
	// ni se extiende la validez.
	ErrReauthRequired = fmt.Errorf("token expired, reauthorization required")
)

// ClientCredentials son las credenciales OAuth de la app por proveedor.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// Deps contiene las dependencias del connection manager.
type Deps struct {
	Integrations core.IntegrationRepository
	Box          *secretbox.Box
	States       state.Store
	Credentials  map[string]ClientCredentials
	// Providers permite inyectar una tabla alternativa; nil usa la builtin.
	Providers map[string]ProviderConfig
	Exchanger *Exchanger
	Health    *http.Client
	Now       func() time.Time
}

type Service struct {
	deps Deps
}

func NewService(deps Deps) *Service {
	if deps.Providers == nil {
		deps.Providers = BuiltinProviders()
	}
	if deps.Exchanger == nil {
		deps.Exchanger = NewExchanger()
	}
	if deps.Health == nil {
		deps.Health = &http.Client{Timeout: 10 * time.Second}
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{deps: deps}
}

func (s *Service) provider(integrationID string) (ProviderConfig, ClientCredentials, error) {
	cfg, ok := s.deps.Providers[integrationID]
	if !ok {
		return ProviderConfig{}, ClientCredentials{}, fmt.Errorf("%w: %s", ErrUnknownIntegration, integrationID)
	}
	creds, ok := s.deps.Credentials[integrationID]
	if !ok {
		return ProviderConfig{}, ClientCredentials{}, fmt.Errorf("%w: no client credentials for %s", ErrUnknownIntegration, integrationID)
	}
	return cfg, creds, nil
}

// AuthStart es el resultado de BeginAuthorization.
type AuthStart struct {
	AuthURL   string    `json:"auth_url"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BeginAuthorization arranca el flujo: genera el nonce, lo registra en el
// state store y arma la URL de autorización del proveedor. De paso barre las
// entradas vencidas del store.
func (s *Service) BeginAuthorization(ctx context.Context, userID, integrationID, redirectURI string) (*AuthStart, error) {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("connect"),
		logger.Op("BeginAuthorization"),
		logger.UserID(userID),
		logger.IntegrationID(integrationID),
	)

	cfg, creds, err := s.provider(integrationID)
	if err != nil {
		return nil, err
	}

	if err := s.deps.States.SweepExpired(ctx); err != nil {
		log.Warn("state sweep failed", logger.Err(err))
	}

	nonce, err := state.NewNonce()
	if err != nil {
		return nil, err
	}
	now := s.deps.Now()
	if err := s.deps.States.Put(ctx, nonce, state.Flow{
		UserID:        userID,
		IntegrationID: integrationID,
		RedirectURI:   redirectURI,
		IssuedAt:      now,
	}); err != nil {
		return nil, fmt.Errorf("store flow state: %w", err)
	}

	u, err := url.Parse(cfg.AuthorizeURL)
	if err != nil {
		return nil, fmt.Errorf("provider %s: bad authorize url: %w", cfg.ID, err)
	}
	q := u.Query()
	q.Set("client_id", creds.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("state", nonce)
	if len(cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(cfg.Scopes, " "))
	}
	for k, v := range cfg.ExtraAuthParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	metrics.OAuthFlowsStarted.WithLabelValues(integrationID).Inc()
	log.Info("authorization flow started")
	return &AuthStart{AuthURL: u.String(), State: nonce, ExpiresAt: now.Add(state.TTL)}, nil
}

// HandleCallback procesa el retorno del proveedor. El nonce se consume antes
// del exchange (single-use); state desconocido o vencido es falla dura porque
// es la única defensa CSRF del flujo.
func (s *Service) HandleCallback(ctx context.Context, code, stateNonce, providerError string) (*core.Integration, error) {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("connect"),
		logger.Op("HandleCallback"),
	)

	if providerError != "" {
		log.Info("provider returned error on callback", logger.String("provider_error", providerError))
		return nil, fmt.Errorf("%w: %s", ErrProviderDenied, providerError)
	}

	flow, ok, err := s.deps.States.TakeIfValid(ctx, stateNonce)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}
	if !ok {
		log.Warn("callback with unknown or expired state")
		return nil, ErrStateInvalid
	}

	log = log.With(logger.UserID(flow.UserID), logger.IntegrationID(flow.IntegrationID))

	if code == "" {
		return nil, ErrMissingCode
	}

	cfg, creds, err := s.provider(flow.IntegrationID)
	if err != nil {
		return nil, err
	}

	tr, err := s.deps.Exchanger.ExchangeCode(ctx, cfg, creds.ClientID, creds.ClientSecret, code, flow.RedirectURI)
	if err != nil {
		metrics.OAuthExchangeFailures.WithLabelValues(flow.IntegrationID).Inc()
		log.Error("code exchange failed", logger.Err(err))
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	in, err := s.UpsertConnection(ctx, flow.UserID, flow.IntegrationID, tr)
	if err != nil {
		// El nonce ya se consumió y no quedó registro: flujo huérfano. El
		// usuario tiene que reiniciar la autorización. Se loguea fuerte.
		log.Error("ORPHANED FLOW: tokens obtained but connection persist failed, state already consumed",
			logger.Err(err))
		return nil, err
	}

	log.Info("integration connected")
	return in, nil
}

// UpsertConnection cifra los tokens y sobreescribe el registro completo de la
// conexión (reconectar no mergea, pisa).
func (s *Service) UpsertConnection(ctx context.Context, userID, integrationID string, tr *TokenResponse) (*core.Integration, error) {
	cfg, ok := s.deps.Providers[integrationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntegration, integrationID)
	}

	encAccess, err := s.deps.Box.Encrypt(tr.AccessToken)
	if err != nil {
		return nil, err
	}
	var encRefresh string
	if tr.RefreshToken != "" {
		if encRefresh, err = s.deps.Box.Encrypt(tr.RefreshToken); err != nil {
			return nil, err
		}
	}

	now := s.deps.Now()
	var expiresAt *time.Time
	if tr.ExpiresIn > 0 {
		t := now.Add(time.Duration(tr.ExpiresIn) * time.Second)
		expiresAt = &t
	}

	caps := make([]core.Capability, 0, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		caps = append(caps, core.Capability{Name: c})
	}

	in := &core.Integration{
		UserID:                userID,
		IntegrationID:         integrationID,
		DisplayName:           cfg.DisplayName,
		Status:                core.StatusConnected,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		TokenExpiresAt:        expiresAt,
		WorkspaceID:           tr.WorkspaceID,
		Capabilities:          caps,
	}
	if err := s.deps.Integrations.Upsert(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// GetValidAccessToken devuelve el access token en claro, refrescándolo contra
// el proveedor si venció y hay refresh token. Sin refresh token y vencido,
// ErrReauthRequired.
func (s *Service) GetValidAccessToken(ctx context.Context, userID, integrationID string) (string, error) {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("connect"),
		logger.Op("GetValidAccessToken"),
		logger.UserID(userID),
		logger.IntegrationID(integrationID),
	)

	in, err := s.deps.Integrations.Get(ctx, userID, integrationID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return "", ErrNotConnected
		}
		return "", err
	}
	if !in.IsConnected() {
		return "", ErrNotConnected
	}

	now := s.deps.Now()
	if in.IsTokenValid(now) {
		plain, err := s.deps.Box.Decrypt(in.EncryptedAccessToken)
		if err != nil {
			if errors.Is(err, secretbox.ErrDecrypt) {
				metrics.DecryptFailures.Inc()
			}
			log.Error("stored access token decrypt failed", logger.Err(err))
			return "", err
		}
		return plain, nil
	}

	if in.EncryptedRefreshToken == "" {
		return "", ErrReauthRequired
	}

	cfg, creds, err := s.provider(integrationID)
	if err != nil {
		return "", err
	}
	refresh, err := s.deps.Box.Decrypt(in.EncryptedRefreshToken)
	if err != nil {
		if errors.Is(err, secretbox.ErrDecrypt) {
			metrics.DecryptFailures.Inc()
		}
		log.Error("stored refresh token decrypt failed", logger.Err(err))
		return "", err
	}

	tr, err := s.deps.Exchanger.Refresh(ctx, cfg, creds.ClientID, creds.ClientSecret, refresh)
	if err != nil {
		metrics.OAuthExchangeFailures.WithLabelValues(integrationID).Inc()
		log.Error("refresh grant failed", logger.Err(err))
		if setErr := s.deps.Integrations.SetStatus(ctx, userID, integrationID, core.StatusError, err.Error()); setErr != nil {
			log.Warn("failed to mark integration errored", logger.Err(setErr))
		}
		return "", fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	encAccess, err := s.deps.Box.Encrypt(tr.AccessToken)
	if err != nil {
		return "", err
	}
	// Si el proveedor no rota el refresh token, se conserva el vigente.
	encRefresh := in.EncryptedRefreshToken
	if tr.RefreshToken != "" {
		if encRefresh, err = s.deps.Box.Encrypt(tr.RefreshToken); err != nil {
			return "", err
		}
	}
	var expiresAt *time.Time
	if tr.ExpiresIn > 0 {
		t := now.Add(time.Duration(tr.ExpiresIn) * time.Second)
		expiresAt = &t
	}
	if err := s.deps.Integrations.UpdateTokens(ctx, userID, integrationID, encAccess, encRefresh, expiresAt); err != nil {
		log.Error("failed to persist refreshed tokens", logger.Err(err))
		return "", err
	}

	log.Info("access token silently refreshed")
	return tr.AccessToken, nil
}

// Disconnect marca la conexión como desconectada y nulifica ambos tokens.
// El resto del registro queda para auditoría y reconexión.
func (s *Service) Disconnect(ctx context.Context, userID, integrationID string) error {
	err := s.deps.Integrations.Disconnect(ctx, userID, integrationID)
	if errors.Is(err, core.ErrNotFound) {
		return ErrNotConnected
	}
	return err
}

// List devuelve las conexiones del usuario (los tokens nunca se serializan).
func (s *Service) List(ctx context.Context, userID string) ([]*core.Integration, error) {
	return s.deps.Integrations.List(ctx, userID)
}

// Get devuelve una conexión puntual.
func (s *Service) Get(ctx context.Context, userID, integrationID string) (*core.Integration, error) {
	in, err := s.deps.Integrations.Get(ctx, userID, integrationID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, ErrNotConnected
	}
	return in, err
}

// TestConnection resuelve un token válido (refrescando si hace falta) y hace
// el health check mínimo del proveedor. El token jamás sale en el resultado.
func (s *Service) TestConnection(ctx context.Context, userID, integrationID string) (bool, error) {
	cfg, ok := s.deps.Providers[integrationID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownIntegration, integrationID)
	}

	token, err := s.GetValidAccessToken(ctx, userID, integrationID)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.HealthURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range cfg.HealthHeaders {
		req.Header.Set(k, v)
	}

	resp, err := s.deps.Health.Do(req)
	if err != nil {
		return false, fmt.Errorf("health check %s: %w", cfg.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("health check %s returned %d", cfg.ID, resp.StatusCode)
	}

	if err := s.deps.Integrations.RecordSync(ctx, userID, integrationID, "", s.deps.Now()); err != nil {
		logger.From(ctx).Warn("failed to record sync",
			logger.Component("connect"), logger.Err(err))
	}
	return true, nil
}
