// Package app wires configuration, adapters and usecases into a running
// HTTP service: router construction, readiness checks and the background
// session sweeper.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/adaptive-testing/internal/adapter/httpserver"
	"github.com/fairyhunter13/adaptive-testing/internal/adapter/observability"
	"github.com/fairyhunter13/adaptive-testing/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit mutating endpoints
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/api/questions/upload", srv.UploadQuestionsHandler())
		wr.Post("/api/test/start", srv.StartTestHandler())
		wr.Post("/api/test/submit", srv.SubmitResponseHandler())
		wr.Post("/api/test/end/{session_id}", srv.EndTestHandler())
		wr.Post("/api/cache/question-pool/{level}/{level_id}/invalidate", srv.CacheInvalidateHandler())
		wr.Post("/api/cache/question-pool/{level}/{level_id}/refresh", srv.CacheRefreshHandler())
		wr.Post("/api/cache/stats/reset", srv.CacheStatsResetHandler())
		wr.Post("/api/cache/warmup", srv.CacheWarmupHandler())
		wr.Post("/api/sessions/cleanup", srv.SessionsCleanupHandler())
	})

	// Read-only endpoints
	r.Get("/api/test/status/{session_id}", srv.TestStatusHandler())
	r.Get("/api/student/{id}/proficiency", srv.StudentProficiencyHandler())
	r.Get("/api/student/{id}/history", srv.StudentHistoryHandler())
	r.Get("/api/student/{id}/progress", srv.StudentProgressHandler())
	r.Get("/api/cache/question-pool/{level}/{level_id}", srv.CachePoolHandler())
	r.Get("/api/cache/stats", srv.CacheStatsHandler())
	r.Get("/api/debug/redis/stats", srv.RedisStatsHandler())

	// Health and metrics
	r.Get("/health", srv.HealthHandler())
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
