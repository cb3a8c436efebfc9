package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/florinutz/iceingest/health"
	"github.com/florinutz/iceingest/internal/ratelimit"
	"github.com/florinutz/iceingest/tracing"
)

// Options assembles the HTTP server.
type Options struct {
	// API serves /ingest, /ingest/json and /health.
	API http.Handler
	// Checker backs /healthz; nil leaves it unregistered.
	Checker *health.Checker
	// Readiness backs /readyz; nil leaves it unregistered.
	Readiness *health.ReadinessChecker
	// Limiter gates ingest requests; nil admits everything.
	Limiter *ratelimit.Limiter
	// CORSOrigins controls Access-Control-Allow-Origin; empty disables CORS.
	CORSOrigins []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// New creates the ingest HTTP server. Metrics are mounted at /metrics.
// Zero timeouts leave the corresponding http.Server fields unset.
func New(opts Options) *http.Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware)

	if len(opts.CORSOrigins) > 0 {
		r.Use(corsMiddleware(opts.CORSOrigins))
	}

	if opts.Checker != nil {
		r.Get("/healthz", opts.Checker.ServeHTTP)
	}
	if opts.Readiness != nil {
		r.Get("/readyz", opts.Readiness.ServeHTTP)
	}
	r.Handle("/metrics", promhttp.Handler())

	if opts.API != nil {
		api := opts.API
		if opts.Limiter != nil {
			api = rateLimit(opts.Limiter)(api)
		}
		r.Mount("/", api)
	}

	return &http.Server{
		Handler:      r,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
}

// NewMetricsServer creates a standalone HTTP server for metrics and health
// endpoints only. Used when --metrics-addr is set.
func NewMetricsServer(checker *health.Checker, readiness *health.ReadinessChecker) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if checker != nil {
		r.Get("/healthz", checker.ServeHTTP)
	}
	if readiness != nil {
		r.Get("/readyz", readiness.ServeHTTP)
	}
	r.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// rateLimit rejects ingest requests with 429 once the limiter's bucket is
// empty. Health probes are never limited.
func rateLimit(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/ingest") && !l.Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(l.RetryAfter().Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"success":false,"message":"rate limit exceeded","records_ingested":null,"error_kind":"rate_limited"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware returns a middleware that sets Access-Control-Allow-Origin
// for requests whose Origin header matches one of the allowed origins.
// The wildcard "*" matches every origin.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	allowAll := false
	for _, o := range origins {
		if o == "*" {
			allowAll = true
			break
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, traceparent")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
