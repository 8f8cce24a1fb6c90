// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/sethvargo/go-envconfig"
)

// Process modes.
const (
	ModeWrapper = "wrapper"
	ModeAPI     = "api"
)

// DefaultRunPodBaseURL is the public RunPod serverless API.
const DefaultRunPodBaseURL = "https://api.runpod.ai/v2"

// Static errors for configuration validation.
var (
	// ErrComfyURLRequired is returned when COMFYUI_URL is empty in wrapper mode.
	ErrComfyURLRequired = errors.New("config: COMFYUI_URL is required")
	// ErrNoProvider is returned when api mode has no generation provider configured.
	ErrNoProvider = errors.New("config: WAVESPEED_API_KEY or a RunPod endpoint is required")
	// ErrRunPodAPIKeyRequired is returned when RUNPOD_API_KEY is not set for the public RunPod API.
	ErrRunPodAPIKeyRequired = errors.New("config: RUNPOD_API_KEY is required")
	// ErrRunPodEndpointIDRequired is returned when RUNPOD_ENDPOINT_ID is not set for the public RunPod API.
	ErrRunPodEndpointIDRequired = errors.New("config: RUNPOD_ENDPOINT_ID is required")
	// ErrInvalidValue is returned for out-of-range numeric settings.
	ErrInvalidValue = errors.New("config: invalid value")
	// ErrUnknownMode is returned by Validate for an unknown process mode.
	ErrUnknownMode = errors.New("config: unknown mode")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int      `env:"PORT, default=8080" json:"port"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS, default=*" json:"allowed_origins"`
	RateLimitRPS   float64  `env:"RATE_LIMIT_RPS, default=20" json:"rate_limit_rps"`
	RateLimitBurst int      `env:"RATE_LIMIT_BURST, default=40" json:"rate_limit_burst"`
	TrustedProxies []string `env:"TRUSTED_PROXIES" json:"trusted_proxies,omitempty"`

	// ComfyUI settings (wrapper)
	ComfyURL               string        `env:"COMFYUI_URL, default=http://127.0.0.1:8188" json:"comfyui_url"`
	ComfyClientID          string        `env:"COMFYUI_CLIENT_ID" json:"comfyui_client_id,omitempty"`
	EventsReconnectInitial time.Duration `env:"EVENTS_RECONNECT_INITIAL, default=1s" json:"events_reconnect_initial"`
	EventsReconnectMax     time.Duration `env:"EVENTS_RECONNECT_MAX, default=30s" json:"events_reconnect_max"`
	JobRetention           time.Duration `env:"JOB_RETENTION, default=1h" json:"job_retention"`
	JobSweepInterval       time.Duration `env:"JOB_SWEEP_INTERVAL, default=5m" json:"job_sweep_interval"`

	// WaveSpeed settings (api)
	WaveSpeedAPIKey   string `env:"WAVESPEED_API_KEY" json:"-"` // Masked in JSON
	WaveSpeedBaseURL  string `env:"WAVESPEED_BASE_URL, default=https://api.wavespeed.ai" json:"wavespeed_base_url"`
	WaveSpeedSyncMode bool   `env:"WAVESPEED_SYNC_MODE, default=false" json:"wavespeed_sync_mode"`

	// RunPod settings (api)
	RunPodAPIKey     string `env:"RUNPOD_API_KEY" json:"-"` // Masked in JSON
	RunPodEndpointID string `env:"RUNPOD_ENDPOINT_ID" json:"runpod_endpoint_id,omitempty"`
	RunPodBaseURL    string `env:"RUNPOD_BASE_URL, default=https://api.runpod.ai/v2" json:"runpod_base_url"`
	ComfyCheckpoint  string `env:"COMFY_CHECKPOINT, default=sd_xl_base_1.0.safetensors" json:"comfy_checkpoint"`

	// Downstream pacing (both)
	RetryMaxRetries     int           `env:"RETRY_MAX_RETRIES, default=5" json:"retry_max_retries"`
	RetryInitialBackoff time.Duration `env:"RETRY_INITIAL_BACKOFF, default=5s" json:"retry_initial_backoff"`
	RetryMaxBackoff     time.Duration `env:"RETRY_MAX_BACKOFF, default=60s" json:"retry_max_backoff"`
	RetryJitterFactor   float64       `env:"RETRY_JITTER_FACTOR, default=0.3" json:"retry_jitter_factor"`
	GateMinDelay        time.Duration `env:"GATE_MIN_DELAY, default=1500ms" json:"gate_min_delay"`
	PollInterval        time.Duration `env:"POLL_INTERVAL, default=2s" json:"poll_interval"`
	PollMaxAttempts     int           `env:"POLL_MAX_ATTEMPTS, default=60" json:"poll_max_attempts"`

	// Credits and records (api)
	CreditsPerImage int    `env:"CREDITS_PER_IMAGE, default=1" json:"credits_per_image"`
	InitialCredits  int64  `env:"INITIAL_CREDITS, default=100" json:"initial_credits"`
	DataDir         string `env:"DATA_DIR, default=/tmp/genrelay" json:"data_dir"`
	AdminToken      string `env:"ADMIN_TOKEN" json:"-"` // Masked in JSON

	// Gallery settings (api)
	GalleryEnabled bool   `env:"GALLERY_ENABLED, default=false" json:"gallery_enabled"`
	GalleryBaseURL string `env:"GALLERY_BASE_URL" json:"gallery_base_url,omitempty"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// WaveSpeedEnabled returns true if a WaveSpeed API key is configured.
func (c *Config) WaveSpeedEnabled() bool {
	return c.WaveSpeedAPIKey != ""
}

// RunPodEnabled returns true if a RunPod-style endpoint is configured: either an
// endpoint id on the public API or a custom base URL such as the wrapper.
func (c *Config) RunPodEnabled() bool {
	return c.RunPodEndpointID != "" || (c.RunPodBaseURL != "" && c.RunPodBaseURL != DefaultRunPodBaseURL)
}

// TrustedProxyPrefixes parses TRUSTED_PROXIES entries, each an IP or a CIDR prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, e := range c.TrustedProxies {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("%w: TRUSTED_PROXIES entry %q", ErrInvalidValue, e)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("%w: TRUSTED_PROXIES entry %q", ErrInvalidValue, e)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Load reads configuration from environment variables using go-envconfig.
func Load() (*Config, error) {
	return load(envconfig.OsLookuper())
}

func load(l envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}

	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   cfg,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration needed by mode.
func (c *Config) Validate(mode string) error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	switch mode {
	case ModeWrapper:
		return c.ValidateWrapper()
	case ModeAPI:
		return c.ValidateAPI()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// ValidateWrapper checks the settings the wrapper process needs.
func (c *Config) ValidateWrapper() error {
	if strings.TrimSpace(c.ComfyURL) == "" {
		return ErrComfyURLRequired
	}
	if c.JobRetention <= 0 {
		return fmt.Errorf("%w: JOB_RETENTION must be positive", ErrInvalidValue)
	}
	return nil
}

// ValidateAPI checks the settings the api process needs.
func (c *Config) ValidateAPI() error {
	publicRunPod := c.RunPodBaseURL == DefaultRunPodBaseURL
	switch {
	case publicRunPod && c.RunPodEndpointID != "" && c.RunPodAPIKey == "":
		return ErrRunPodAPIKeyRequired
	case publicRunPod && c.RunPodAPIKey != "" && c.RunPodEndpointID == "":
		return ErrRunPodEndpointIDRequired
	case !c.WaveSpeedEnabled() && !c.RunPodEnabled():
		return ErrNoProvider
	case c.CreditsPerImage < 0 || c.InitialCredits < 0:
		return fmt.Errorf("%w: credits must not be negative", ErrInvalidValue)
	}
	return nil
}

func (c *Config) validateCommon() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: PORT %d", ErrInvalidValue, c.Port)
	case c.RetryMaxRetries < 0:
		return fmt.Errorf("%w: RETRY_MAX_RETRIES must not be negative", ErrInvalidValue)
	case c.RetryJitterFactor < 0:
		return fmt.Errorf("%w: RETRY_JITTER_FACTOR must not be negative", ErrInvalidValue)
	case c.RetryInitialBackoff <= 0:
		return fmt.Errorf("%w: RETRY_INITIAL_BACKOFF must be positive", ErrInvalidValue)
	case c.RetryMaxBackoff < c.RetryInitialBackoff:
		return fmt.Errorf("%w: RETRY_MAX_BACKOFF must not be below RETRY_INITIAL_BACKOFF", ErrInvalidValue)
	case c.GateMinDelay < 0:
		return fmt.Errorf("%w: GATE_MIN_DELAY must not be negative", ErrInvalidValue)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: POLL_INTERVAL must be positive", ErrInvalidValue)
	case c.PollMaxAttempts <= 0:
		return fmt.Errorf("%w: POLL_MAX_ATTEMPTS must be positive", ErrInvalidValue)
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs colored human-readable logs.
func (c *Config) NewLogger() *slog.Logger {
	return c.newLogger(os.Stdout)
}

func (c *Config) newLogger(w io.Writer) *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    w != os.Stdout,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, ComfyURL: %s, WaveSpeedAPIKey: %s, WaveSpeedBaseURL: %s, RunPodAPIKey: %s, RunPodEndpointID: %s, RunPodBaseURL: %s, RetryMaxRetries: %d, GateMinDelay: %s, PollInterval: %s, PollMaxAttempts: %d, DataDir: %s, S3Bucket: %s, S3Region: %s, AWSSecretAccessKey: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.ComfyURL,
		mask(c.WaveSpeedAPIKey),
		c.WaveSpeedBaseURL,
		mask(c.RunPodAPIKey),
		c.RunPodEndpointID,
		c.RunPodBaseURL,
		c.RetryMaxRetries,
		c.GateMinDelay,
		c.PollInterval,
		c.PollMaxAttempts,
		c.DataDir,
		c.S3Bucket,
		c.S3Region,
		mask(c.AWSSecretAccessKey),
		c.LogFormat,
		c.LogLevel,
	)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
