package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dropDatabas3/keybridge/internal/observability/logger"
	"github.com/dropDatabas3/keybridge/internal/rate"
	"github.com/dropDatabas3/keybridge/internal/store/core"
	"github.com/dropDatabas3/keybridge/internal/token"
)

type userKey struct{}

// UserFrom devuelve el usuario autenticado del contexto.
func UserFrom(ctx context.Context) (*core.User, bool) {
	u, ok := ctx.Value(userKey{}).(*core.User)
	return u, ok
}

// RequestID genera o propaga X-Request-ID y deja un logger scoped en el
// contexto del request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if rid == "" {
			var b [16]byte
			_, _ = rand.Read(b[:])
			rid = hex.EncodeToString(b[:])
		}
		w.Header().Set("X-Request-ID", rid)

		log := logger.From(r.Context()).With(logger.RequestID(rid))
		ctx := logger.ToContext(r.Context(), log)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logging loguea cada request con método, path, status y latencia.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.From(r.Context()).Info("request",
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
			logger.Status(sw.status),
			logger.Duration(time.Since(start)),
			logger.ClientIP(clientIP(r)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Recover convierte un panic en 500 con log del stack.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.From(r.Context()).Error("panic in handler",
					logger.Path(r.URL.Path),
					logger.Err(fmt.Errorf("%v", rec)),
				)
				WriteError(w, http.StatusInternalServerError, "internal_error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Auth exige un Bearer access token válido y deja el usuario en el contexto.
// Expirado y malformado se distinguen para que el cliente sepa si refrescar
// o re-loguearse.
func Auth(tokens *token.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				WriteError(w, http.StatusUnauthorized, "missing_token", "")
				return
			}
			u, err := tokens.Authenticate(r.Context(), raw)
			if err != nil {
				switch {
				case errors.Is(err, token.ErrTokenExpired):
					WriteError(w, http.StatusUnauthorized, "token_expired", "access token expired, refresh it")
				case errors.Is(err, token.ErrTokenRevoked):
					WriteError(w, http.StatusUnauthorized, "token_revoked", "session no longer valid, log in again")
				default:
					WriteError(w, http.StatusUnauthorized, "token_invalid", "")
				}
				return
			}
			ctx := context.WithValue(r.Context(), userKey{}, u)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RateLimit aplica el limiter con la clave derivada del request. Si el
// limiter falla (Redis caído) el request pasa: limitar es protección, no
// disponibilidad.
func RateLimit(l rate.Limiter, keyFn func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := l.Allow(r.Context(), keyFn(r))
			if err != nil {
				logger.From(r.Context()).Warn("rate limiter unavailable", logger.Err(err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
				WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many requests, slow down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPKey es la clave de rate limit por IP con un prefijo por endpoint.
func IPKey(prefix string) func(r *http.Request) string {
	return func(r *http.Request) string {
		return prefix + ":" + clientIP(r)
	}
}
