package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dropDatabas3/keybridge/internal/metrics"
	"github.com/dropDatabas3/keybridge/internal/rate"
	"github.com/dropDatabas3/keybridge/internal/store/core"
	"github.com/dropDatabas3/keybridge/internal/token"
)

// RouterDeps agrupa lo que el router necesita para armar todas las rutas.
type RouterDeps struct {
	Auth    *AuthHandler
	Keys    *KeysHandler
	Connect *ConnectHandler
	Tokens  *token.Service
	Store   core.Store

	// Limiters por endpoint; nil deshabilita el límite.
	LoginLimiter  rate.Limiter
	ForgotLimiter rate.Limiter
	GlobalLimiter rate.Limiter
}

// NewRouter arma el chi.Mux completo del servicio.
func NewRouter(d RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recover)
	r.Use(Logging)
	r.Use(metrics.Middleware(func(req *http.Request) string {
		if rc := chi.RouteContext(req.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				return p
			}
		}
		return "unmatched"
	}))
	if d.GlobalLimiter != nil {
		r.Use(RateLimit(d.GlobalLimiter, IPKey("global")))
	}

	r.Get("/health", healthHandler(d.Store))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(prometheus.DefaultRegisterer))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", d.Auth.Register)
			r.With(maybeLimit(d.LoginLimiter, "login")).Post("/login", d.Auth.Login)
			r.Post("/refresh", d.Auth.Refresh)
			r.Post("/verify-email", d.Auth.ConfirmEmail)
			r.With(maybeLimit(d.ForgotLimiter, "forgot")).Post("/forgot", d.Auth.Forgot)
			r.Post("/reset", d.Auth.Reset)

			r.Group(func(r chi.Router) {
				r.Use(Auth(d.Tokens))
				r.Post("/logout", d.Auth.Logout)
				r.Post("/logout-all", d.Auth.LogoutAll)
				r.Post("/verify-email/resend", d.Auth.ResendVerification)
				r.Post("/change-password", d.Auth.ChangePassword)
				r.Get("/me", d.Auth.Me)
				r.Delete("/me", d.Auth.Deactivate)
			})
		})

		r.Route("/keys", func(r chi.Router) {
			r.Use(Auth(d.Tokens))
			r.Get("/", d.Keys.List)
			r.Put("/{provider}", d.Keys.Save)
			r.Post("/{provider}/test", d.Keys.Test)
			r.Delete("/{provider}", d.Keys.Delete)
		})

		r.Route("/integrations", func(r chi.Router) {
			// El callback llega por redirect del proveedor, sin Bearer.
			r.Get("/callback", d.Connect.Callback)

			r.Group(func(r chi.Router) {
				r.Use(Auth(d.Tokens))
				r.Get("/", d.Connect.List)
				r.Get("/{id}", d.Connect.Get)
				r.Post("/{id}/connect", d.Connect.Begin)
				r.Post("/{id}/test", d.Connect.Test)
				r.Delete("/{id}", d.Connect.Disconnect)
			})
		})
	})

	return r
}

// maybeLimit aplica el limiter si está configurado; nil es passthrough.
func maybeLimit(l rate.Limiter, prefix string) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return RateLimit(l, IPKey(prefix))
}

func healthHandler(st core.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
