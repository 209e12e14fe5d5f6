package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenResponse es la respuesta del token endpoint. Los campos extra
// (workspace, bot) los llenan proveedores como Notion; el resto los deja
// vacíos.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`

	WorkspaceID   string `json:"workspace_id,omitempty"`
	WorkspaceName string `json:"workspace_name,omitempty"`
	BotID         string `json:"bot_id,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorDesc string `json:"error_description,omitempty"`
}

// Exchanger habla con los token endpoints. Todo request lleva timeout: un
// timeout se reporta como error de red, nunca como credencial inválida.
type Exchanger struct {
	http *http.Client
}

func NewExchanger() *Exchanger {
	return &Exchanger{http: &http.Client{Timeout: 15 * time.Second}}
}

// ExchangeCode canjea el authorization code por tokens, con el shaping de
// credenciales que dicta la tabla del proveedor.
func (e *Exchanger) ExchangeCode(ctx context.Context, cfg ProviderConfig, clientID, clientSecret, code, redirectURI string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	return e.post(ctx, cfg, clientID, clientSecret, form)
}

// Refresh ejecuta el refresh grant del proveedor.
func (e *Exchanger) Refresh(ctx context.Context, cfg ProviderConfig, clientID, clientSecret, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return e.post(ctx, cfg, clientID, clientSecret, form)
}

func (e *Exchanger) post(ctx context.Context, cfg ProviderConfig, clientID, clientSecret string, form url.Values) (*TokenResponse, error) {
	switch cfg.AuthStyle {
	case AuthStyleBasic:
		// Credenciales en el header Authorization, no en el body.
	case AuthStyleForm:
		form.Set("client_id", clientID)
		form.Set("client_secret", clientSecret)
	default:
		return nil, fmt.Errorf("provider %s: unknown auth style %q", cfg.ID, cfg.AuthStyle)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if cfg.AuthStyle == AuthStyleBasic {
		req.SetBasicAuth(clientID, clientSecret)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint %s: %w", cfg.ID, err)
	}
	defer resp.Body.Close()

	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode token response from %s: %w", cfg.ID, err)
	}

	if tr.Error != "" {
		return nil, fmt.Errorf("%s rejected the grant: %s (%s)", cfg.ID, tr.Error, tr.ErrorDesc)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s token endpoint returned %d", cfg.ID, resp.StatusCode)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%s returned no access_token", cfg.ID)
	}
	return &tr, nil
}
