package http

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/keybridge/internal/connect"
)

// ConnectHandler expone el flujo OAuth y el ciclo de vida de las conexiones.
type ConnectHandler struct {
	connect *connect.Service
}

func NewConnectHandler(c *connect.Service) *ConnectHandler {
	return &ConnectHandler{connect: c}
}

type beginAuthRequest struct {
	RedirectURI string `json:"redirect_uri"`
}

// Begin maneja POST /v1/integrations/{id}/connect. Requiere auth.
func (h *ConnectHandler) Begin(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	integrationID := chi.URLParam(r, "id")

	var req beginAuthRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	if req.RedirectURI == "" {
		WriteError(w, http.StatusBadRequest, "missing_redirect_uri", "")
		return
	}

	start, err := h.connect.BeginAuthorization(r.Context(), u.ID, integrationID, req.RedirectURI)
	if err != nil {
		writeConnectError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, start)
}

// Callback maneja GET /v1/integrations/callback. Sin auth: el usuario viene
// redirigido por el proveedor, la identidad la resuelve el state.
func (h *ConnectHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in, err := h.connect.HandleCallback(r.Context(), q.Get("code"), q.Get("state"), q.Get("error"))
	if err != nil {
		writeConnectError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"integration":    in,
		"is_connected":   in.IsConnected(),
		"integration_id": in.IntegrationID,
	})
}

// List maneja GET /v1/integrations. Requiere auth.
func (h *ConnectHandler) List(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	list, err := h.connect.List(r.Context(), u.ID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"integrations": list})
}

// Get maneja GET /v1/integrations/{id}. Requiere auth.
func (h *ConnectHandler) Get(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	integrationID := chi.URLParam(r, "id")

	in, err := h.connect.Get(r.Context(), u.ID, integrationID)
	if err != nil {
		writeConnectError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, in)
}

// Test maneja POST /v1/integrations/{id}/test. Requiere auth.
func (h *ConnectHandler) Test(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	integrationID := chi.URLParam(r, "id")

	ok, err := h.connect.TestConnection(r.Context(), u.ID, integrationID)
	if err != nil {
		if errors.Is(err, connect.ErrNotConnected) || errors.Is(err, connect.ErrReauthRequired) {
			writeConnectError(w, err)
			return
		}
		// El detalle va en el body, el token jamás.
		WriteJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": ok})
}

// Disconnect maneja DELETE /v1/integrations/{id}. Requiere auth.
func (h *ConnectHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	integrationID := chi.URLParam(r, "id")

	if err := h.connect.Disconnect(r.Context(), u.ID, integrationID); err != nil {
		writeConnectError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeConnectError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, connect.ErrUnknownIntegration):
		WriteError(w, http.StatusNotFound, "unknown_integration", "")
	case errors.Is(err, connect.ErrStateInvalid):
		// Defensa CSRF: falla permanente, se reinicia el flujo.
		WriteError(w, http.StatusBadRequest, "oauth_state_invalid", "invalid or expired state, restart the flow")
	case errors.Is(err, connect.ErrProviderDenied):
		WriteError(w, http.StatusBadRequest, "provider_denied", err.Error())
	case errors.Is(err, connect.ErrMissingCode):
		WriteError(w, http.StatusBadRequest, "missing_code", "")
	case errors.Is(err, connect.ErrExchangeFailed):
		WriteError(w, http.StatusBadGateway, "oauth_exchange_failed", "provider rejected the exchange, restart the flow")
	case errors.Is(err, connect.ErrNotConnected):
		WriteError(w, http.StatusNotFound, "not_connected", "")
	case errors.Is(err, connect.ErrReauthRequired):
		WriteError(w, http.StatusUnauthorized, "reauthorization_required", "token expired and no refresh token available")
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
