// Package metrics expone contadores Prometheus del dominio y de HTTP.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	// Eventos de seguridad
	AccountLockouts      prometheus.Counter
	RefreshReuseDetected prometheus.Counter
	DecryptFailures      prometheus.Counter

	// Dominio
	KeyVerifications      *prometheus.CounterVec
	OAuthExchangeFailures *prometheus.CounterVec
	OAuthFlowsStarted     *prometheus.CounterVec

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
)

func init() {
	AccountLockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockouts_total",
		Help: "Cuentas bloqueadas por intentos de login fallidos",
	})
	RefreshReuseDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refresh_reuse_detected_total",
		Help: "Replays de refresh tokens ya rotados (sesiones revocadas)",
	})
	DecryptFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secretbox_decrypt_failures_total",
		Help: "Fallas de autenticación GCM al descifrar secretos en reposo",
	})
	KeyVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apikey_verifications_total",
		Help: "Verificaciones en vivo de API keys por proveedor y resultado",
	}, []string{"provider", "outcome"})
	OAuthExchangeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_exchange_failures_total",
		Help: "Intercambios code/refresh rechazados por el token endpoint",
	}, []string{"integration"})
	OAuthFlowsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_flows_started_total",
		Help: "Flujos de autorización OAuth iniciados",
	}, []string{"integration"})

	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Número total de requests procesadas",
	}, []string{"method", "path", "status"})
	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Latencia de los requests HTTP",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
}

// Handler registra los collectors (una sola vez) y devuelve el handler de /metrics.
func Handler(reg prometheus.Registerer) http.Handler {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registerOnce.Do(func() {
		reg.MustRegister(
			AccountLockouts, RefreshReuseDetected, DecryptFailures,
			KeyVerifications, OAuthExchangeFailures, OAuthFlowsStarted,
			httpRequestsTotal, httpRequestDuration,
		)
	})
	return promhttp.Handler()
}

// statusWriter captura el status code para las métricas HTTP.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware instrumenta requests con contador y histograma de latencia.
// routePattern debe ser la ruta registrada, no el path crudo (cardinalidad).
func Middleware(routePattern func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			path := r.URL.Path
			if routePattern != nil {
				if p := routePattern(r); p != "" {
					path = p
				}
			}
			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}
