package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	CacheTierHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_tier_hits_total",
			Help: "Question pool cache hits by tier",
		},
		[]string{"tier"},
	)
	CacheTierMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_tier_misses_total",
			Help: "Question pool cache misses by tier",
		},
		[]string{"tier"},
	)
	ExternalAPICalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "external_api_calls_total",
			Help: "Total fetches against the authoritative question source",
		},
	)

	SessionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_started_total",
			Help: "Total test sessions started",
		},
	)
	SessionsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_completed_total",
			Help: "Total test sessions completed",
		},
	)
	ResponsesSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responses_submitted_total",
			Help: "Total responses submitted, by correctness",
		},
		[]string{"result"},
	)

	SessionsCleanedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_cleaned_total",
			Help: "Total inactive session states removed by the cleanup sweeper",
		},
	)
	CleanupSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cleanup_sweep_duration_seconds",
			Help:    "Duration of cleanup sweeps in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(CacheTierHits)
	prometheus.MustRegister(CacheTierMisses)
	prometheus.MustRegister(ExternalAPICalls)
	prometheus.MustRegister(SessionsStartedTotal)
	prometheus.MustRegister(SessionsCompletedTotal)
	prometheus.MustRegister(ResponsesSubmittedTotal)
	prometheus.MustRegister(SessionsCleanedTotal)
	prometheus.MustRegister(CleanupSweepDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// TierHit records a cache hit on the named tier.
func TierHit(tier string) { CacheTierHits.WithLabelValues(tier).Inc() }

// TierMiss records a cache miss on the named tier.
func TierMiss(tier string) { CacheTierMisses.WithLabelValues(tier).Inc() }

// SubmitResponse records one submitted response.
func SubmitResponse(correct bool) {
	result := "incorrect"
	if correct {
		result = "correct"
	}
	ResponsesSubmittedTotal.WithLabelValues(result).Inc()
}
