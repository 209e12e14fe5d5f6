package http

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/keybridge/internal/vault"
)

// KeysHandler expone el vault de API keys. Todas las rutas requieren auth.
type KeysHandler struct {
	vault *vault.Service
}

func NewKeysHandler(v *vault.Service) *KeysHandler {
	return &KeysHandler{vault: v}
}

type saveKeyRequest struct {
	Key   string `json:"key"`
	Label string `json:"label,omitempty"`
}

// Save maneja PUT /v1/keys/{provider}
func (h *KeysHandler) Save(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	provider := chi.URLParam(r, "provider")

	var req saveKeyRequest
	if !ReadJSON(w, r, &req) {
		return
	}

	rec, err := h.vault.Save(r.Context(), u.ID, provider, req.Key, req.Label)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// List maneja GET /v1/keys
func (h *KeysHandler) List(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	recs, err := h.vault.List(r.Context(), u.ID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"keys": recs})
}

// Test maneja POST /v1/keys/{provider}/test
func (h *KeysHandler) Test(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	provider := chi.URLParam(r, "provider")

	res, err := h.vault.Test(r.Context(), u.ID, provider)
	if err != nil {
		writeVaultError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Delete maneja DELETE /v1/keys/{provider}
func (h *KeysHandler) Delete(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	provider := chi.URLParam(r, "provider")

	if err := h.vault.Delete(r.Context(), u.ID, provider); err != nil {
		writeVaultError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeVaultError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vault.ErrUnknownProvider):
		WriteError(w, http.StatusNotFound, "unknown_provider", "")
	case errors.Is(err, vault.ErrKeyNotFound):
		WriteError(w, http.StatusNotFound, "key_not_found", "no active key for this provider")
	case errors.Is(err, vault.ErrEmptyKey):
		WriteError(w, http.StatusBadRequest, "empty_key", "")
	case errors.Is(err, vault.ErrInvalidKey):
		WriteError(w, http.StatusUnprocessableEntity, "invalid_key", "the provider rejected this key")
	case errors.Is(err, vault.ErrInsufficientScope):
		WriteError(w, http.StatusUnprocessableEntity, "insufficient_scope", "the key lacks required permissions")
	case errors.Is(err, vault.ErrRateLimited):
		WriteError(w, http.StatusTooManyRequests, "provider_rate_limited", "verification rate limited, try again later")
	case errors.Is(err, vault.ErrNetwork):
		// Timeout no prueba que la key sea mala.
		WriteError(w, http.StatusBadGateway, "provider_unreachable", "could not reach the provider, try again")
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
