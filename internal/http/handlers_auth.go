package http

import (
	"errors"
	"net/http"

	"github.com/dropDatabas3/keybridge/internal/auth"
	"github.com/dropDatabas3/keybridge/internal/store/core"
	"github.com/dropDatabas3/keybridge/internal/token"
)

// AuthHandler expone los endpoints de registro, login y flujos de email.
type AuthHandler struct {
	auth   *auth.Service
	tokens *token.Service
}

func NewAuthHandler(a *auth.Service, t *token.Service) *AuthHandler {
	return &AuthHandler{auth: a, tokens: t}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenPairResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	User         *core.User `json:"user,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type confirmRequest struct {
	Token string `json:"token"`
}

type resetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// Register maneja POST /v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	u, err := h.auth.Register(r.Context(), auth.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
	})
	if err != nil {
		writeAuthError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, u)
}

// Login maneja POST /v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	res, err := h.auth.Login(r.Context(), auth.LoginInput{
		Email:    req.Email,
		Password: req.Password,
	}, token.RequestContext{
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeAuthError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  res.Pair.AccessToken,
		RefreshToken: res.Pair.RefreshToken,
		User:         res.User,
	})
}

// Refresh maneja POST /v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		WriteError(w, http.StatusBadRequest, "missing_refresh_token", "")
		return
	}
	pair, err := h.tokens.Rotate(r.Context(), req.RefreshToken, token.RequestContext{
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeAuthError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

// Logout maneja POST /v1/auth/logout (un dispositivo). Requiere auth.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	var req refreshRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	if err := h.auth.Logout(r.Context(), u.ID, req.RefreshToken); err != nil {
		WriteError(w, http.StatusInternalServerError, "logout_failed", "")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// LogoutAll maneja POST /v1/auth/logout-all. Requiere auth.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	if err := h.auth.LogoutAll(r.Context(), u.ID); err != nil {
		WriteError(w, http.StatusInternalServerError, "logout_failed", "")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ResendVerification maneja POST /v1/auth/verify-email/resend. Requiere auth.
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	if err := h.auth.RequestEmailVerification(r.Context(), u.ID); err != nil {
		WriteError(w, http.StatusInternalServerError, "send_failed", "")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ConfirmEmail maneja POST /v1/auth/verify-email
func (h *AuthHandler) ConfirmEmail(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	if err := h.auth.ConfirmEmail(r.Context(), req.Token); err != nil {
		writeAuthError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

// Forgot maneja POST /v1/auth/forgot. Siempre 200: no se filtra si el email
// existe.
func (h *AuthHandler) Forgot(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	_ = h.auth.RequestPasswordReset(r.Context(), req.Email)
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Reset maneja POST /v1/auth/reset
func (h *AuthHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	if err := h.auth.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		writeAuthError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ChangePassword maneja POST /v1/auth/change-password. Requiere auth.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	var req changePasswordRequest
	if !ReadJSON(w, r, &req) {
		return
	}
	if err := h.auth.ChangePassword(r.Context(), u.ID, req.CurrentPassword, req.NewPassword); err != nil {
		writeAuthError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Me maneja GET /v1/auth/me. Requiere auth.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	WriteJSON(w, http.StatusOK, u)
}

// Deactivate maneja DELETE /v1/auth/me. Requiere auth. Baja lógica.
func (h *AuthHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	if err := h.auth.Deactivate(r.Context(), u.ID); err != nil {
		WriteError(w, http.StatusInternalServerError, "deactivate_failed", "")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrAccountLocked):
		// 423: bloqueado, no dice nada sobre el password.
		WriteError(w, http.StatusLocked, "account_locked", "too many failed attempts, try again later")
	case errors.Is(err, auth.ErrInvalidCredentials):
		WriteError(w, http.StatusUnauthorized, "invalid_credentials", "")
	case errors.Is(err, auth.ErrEmailTaken):
		WriteError(w, http.StatusConflict, "email_taken", "")
	case errors.Is(err, auth.ErrWeakInput):
		WriteError(w, http.StatusBadRequest, "invalid_input", "email or password does not meet requirements")
	case errors.Is(err, auth.ErrTokenInvalid):
		WriteError(w, http.StatusBadRequest, "token_invalid", "invalid or expired token")
	case errors.Is(err, token.ErrRefreshReuse):
		// Reuso detectado: todas las sesiones fueron revocadas.
		WriteError(w, http.StatusUnauthorized, "refresh_reuse_detected", "all sessions revoked, log in again")
	case errors.Is(err, token.ErrTokenExpired):
		WriteError(w, http.StatusUnauthorized, "token_expired", "")
	case errors.Is(err, token.ErrTokenInvalid), errors.Is(err, token.ErrTokenRevoked):
		WriteError(w, http.StatusUnauthorized, "token_invalid", "")
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
