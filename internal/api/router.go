package api

import (
	"context"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/aiox-platform/aigov/internal/middleware"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// RouterConfig holds what main.go injects into the router to avoid import cycles.
type RouterConfig struct {
	CORSAllowedOrigins []string

	// AuthMiddleware authenticates every /api/v1 request.
	AuthMiddleware func(http.Handler) http.Handler
	// RateLimiter is optional and runs after authentication.
	RateLimiter func(http.Handler) http.Handler

	// Governance mounts the governance endpoints.
	Governance func(r chi.Router)

	// ReadinessChecks are run by /health/ready, keyed by dependency name.
	ReadinessChecks map[string]HealthCheck
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(mw.CORS(cfg.CORSAllowedOrigins))

	// Liveness probe: always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readiness := readinessHandler(cfg.ReadinessChecks)
	r.Get("/health/ready", readiness)
	r.Get("/health", readiness)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cfg.AuthMiddleware)
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter)
		}
		r.Route("/governance", cfg.Governance)
	})

	return r
}

func readinessHandler(checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{"status": "healthy"}
		status := http.StatusOK

		for _, name := range names {
			if err := checks[name](r.Context()); err != nil {
				health[name] = "unhealthy"
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			health[name] = "healthy"
		}

		JSON(w, status, health)
	}
}
