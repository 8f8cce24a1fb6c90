// Package bootstrap wires the wrapper and api processes from configuration.
package bootstrap

import (
	"log/slog"

	"github.com/maauso/genrelay/internal/config"
	"github.com/maauso/genrelay/internal/gate"
	"github.com/maauso/genrelay/internal/poller"
	"github.com/maauso/genrelay/internal/retry"
	"github.com/maauso/genrelay/internal/server"
)

// newExecutor builds the retry executor for the named downstream service.
func newExecutor(cfg *config.Config, name string, logger *slog.Logger) *retry.Executor {
	return retry.New(retry.Policy{
		MaxRetries:     cfg.RetryMaxRetries,
		InitialBackoff: cfg.RetryInitialBackoff,
		MaxBackoff:     cfg.RetryMaxBackoff,
		JitterFactor:   cfg.RetryJitterFactor,
	}, retry.WithName(name), retry.WithLogger(logger))
}

func newGate(cfg *config.Config, name string, logger *slog.Logger) *gate.Gate {
	return gate.New(name, gate.WithMinDelay(cfg.GateMinDelay), gate.WithLogger(logger))
}

// pacingAttrs describes how a downstream client is paced, for startup logs.
func pacingAttrs(exec *retry.Executor, g *gate.Gate) []any {
	p := exec.Policy()
	return []any{
		slog.Int("max_retries", p.MaxRetries),
		slog.Duration("initial_backoff", p.InitialBackoff),
		slog.Duration("gate_min_delay", g.MinDelay()),
	}
}

func newPoller(cfg *config.Config, logger *slog.Logger) *poller.Poller {
	return poller.New(
		poller.WithInterval(cfg.PollInterval),
		poller.WithMaxAttempts(cfg.PollMaxAttempts),
		poller.WithLogger(logger),
	)
}

func routerConfig(cfg *config.Config) (server.Config, error) {
	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		TrustedProxies: trusted,
		AdminToken:     cfg.AdminToken,
	}, nil
}
