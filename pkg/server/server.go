// Package server exposes the reconstructor's admin HTTP surface: health and
// Prometheus metrics. This is a sidecar surface only — the peer-facing
// object-server protocol (REPLICATE, fragment GET) is implemented by a
// separate process this daemon talks to as a client, not served here.
//
// Grounded on pkg/server/server.go's chi router/middleware stack, trimmed to
// the two admin routes and with otelchi instrumentation in place of the
// teacher's request-logging middleware.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"
)

const (
	routeHealthz = "/healthz"
	routeMetrics = "/metrics"

	otelServiceName = "reconstructord"
)

// HealthChecker reports whether the reconstructor is healthy: a nil error
// answers /healthz with 200, a non-nil one with 503.
type HealthChecker interface {
	Healthy() error
}

// Server is the admin HTTP surface.
type Server struct {
	health HealthChecker
	router *chi.Mux
}

// New constructs a Server.
func New(health HealthChecker) *Server {
	s := &Server{health: health}
	s.router = newRouter(s)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func newRouter(s *Server) *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(otelchi.Middleware(otelServiceName, otelchi.WithChiRoutes(router)))
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	router.Get(routeHealthz, s.getHealthz)
	router.Handle(routeMetrics, promhttp.Handler())

	return router
}

func (s *Server) getHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.health.Healthy(); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("health check failed")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)

		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok")) //nolint:errcheck
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		zerolog.Ctx(r.Context()).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(startedAt)).
			Str("req_id", middleware.GetReqID(r.Context())).
			Msg("admin request")
	})
}
