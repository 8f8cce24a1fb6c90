package server

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/maauso/genrelay/internal/metrics"
	"github.com/maauso/genrelay/internal/tenant"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// RateLimitRPS is the per-client request rate. Zero disables limiting.
	RateLimitRPS float64
	// RateLimitBurst is the per-client burst size.
	RateLimitBurst int
	// TrustedProxies are the peers whose X-Forwarded-For header is honored.
	TrustedProxies []netip.Prefix
	// AdminToken guards the credit grant route. Empty leaves the route unregistered.
	AdminToken string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
		RateLimitRPS:   20,
		RateLimitBurst: 40,
	}
}

// NewWrapperRouter creates the router of the RunPod-compatible facade.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewWrapperRouter(h *WrapperHandlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /run", h.Run)
	mux.HandleFunc("GET /status/{id}", h.Status)
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", metrics.Handler())

	return chain(mux, logger, cfg)
}

// NewAPIRouter creates the router of the generation api.
func NewAPIRouter(h *APIHandlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /api/models", h.Models)
	mux.Handle("POST /api/generate/{model}", tenant.Middleware(http.HandlerFunc(h.Generate)))
	mux.Handle("GET /api/credits", tenant.Middleware(http.HandlerFunc(h.Credits)))
	mux.Handle("GET /api/generations", tenant.Middleware(http.HandlerFunc(h.ListGenerations)))
	if cfg.AdminToken != "" {
		mux.Handle("POST /api/admin/credits", AdminMiddleware(cfg.AdminToken)(http.HandlerFunc(h.GrantCredits)))
	}
	mux.Handle("GET /metrics", metrics.Handler())

	return chain(mux, logger, cfg)
}

func chain(mux http.Handler, logger *slog.Logger, cfg Config) http.Handler {
	return ChainMiddleware(
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
		RateLimitMiddleware(NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, WithTrustedProxies(cfg.TrustedProxies))),
	)(mux)
}
