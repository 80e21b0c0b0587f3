package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/smbclient/internal/logger"
	"github.com/marmos91/smbclient/internal/smb/client"
)

// PoolStatus is the view of a connection pool the status endpoints need.
type PoolStatus interface {
	Snapshot() []client.ConnectionInfo
	Closed() bool
}

// NewRouter builds the status router.
//
// Routes:
//   - GET /health: liveness
//   - GET /health/ready: ready while the pool is open
//   - GET /health/connections: pooled connections
//   - GET /metrics: Prometheus exposition, when reg is not nil
func NewRouter(pool PoolStatus, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/health", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			JSON(w, http.StatusOK, healthy(nil))
		})
		r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
			if pool.Closed() {
				JSON(w, http.StatusServiceUnavailable, unhealthy("connection pool closed"))
				return
			}
			JSON(w, http.StatusOK, healthy(nil))
		})
		r.Get("/connections", func(w http.ResponseWriter, _ *http.Request) {
			JSON(w, http.StatusOK, healthy(pool.Snapshot()))
		})
	})

	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debug("Status request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}
