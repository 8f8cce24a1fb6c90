// Package retry wraps a single outbound HTTP call with exponential backoff and jitter.
// Only rate limiting (HTTP 429) and transport failures are retried; every other
// response is handed back to the caller untouched.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/maauso/genrelay/internal/metrics"
)

// ErrRetriesExhausted is returned when every attempt failed at the transport level.
var ErrRetriesExhausted = errors.New("retry: attempts exhausted")

// Policy holds the tuning knobs of the executor.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// InitialBackoff is the base delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the pre-jitter delay.
	MaxBackoff time.Duration
	// JitterFactor adds up to this fraction of the base delay on top of it.
	JitterFactor float64
}

// DefaultPolicy returns the policy tuned against the WaveSpeed rate limit.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     5,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     60 * time.Second,
		JitterFactor:   0.3,
	}
}

// BaseDelay returns min(InitialBackoff * 2^attempt, MaxBackoff).
func (p Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			break
		}
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Jitter spreads base by base*JitterFactor*r, where r is expected in [0,1).
// The result lies in [base, base*(1+JitterFactor)).
func (p Policy) Jitter(base time.Duration, r float64) time.Duration {
	if r < 0 || r >= 1 || p.JitterFactor <= 0 {
		return base
	}
	return base + time.Duration(float64(base)*p.JitterFactor*r)
}

// SendFunc performs one attempt. It must build a fresh request on every call.
type SendFunc func(ctx context.Context) (*http.Response, error)

// Executor runs a SendFunc under a Policy.
type Executor struct {
	policy Policy
	name   string
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used to report retries.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithName labels log lines and metrics with the downstream service name.
func WithName(name string) Option {
	return func(e *Executor) {
		e.name = name
	}
}

// WithSleeper replaces the context-aware sleep. Tests use it to avoid real waits.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		e.sleep = fn
	}
}

// WithRandom replaces the jitter source.
func WithRandom(fn func() float64) Option {
	return func(e *Executor) {
		e.random = fn
	}
}

// New creates an Executor.
func New(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		policy: policy,
		name:   "downstream",
		logger: slog.Default(),
		sleep:  sleepContext,
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do executes send, retrying on 429 and transport errors until MaxRetries is spent.
// When the retries run out on 429 the last response is returned with a nil error so the
// caller can inspect it; when they run out on transport errors the last error is returned
// wrapped in ErrRetriesExhausted.
func (e *Executor) Do(ctx context.Context, send SendFunc) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := send(ctx)

		if err == nil && resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("retry: context cancelled: %w", ctx.Err())
		}

		if attempt >= e.policy.MaxRetries {
			if err != nil {
				return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
			}
			return resp, nil
		}

		reason := "rate_limited"
		if err != nil {
			reason = "transport"
		} else {
			drain(resp)
		}

		delay := e.policy.Jitter(e.policy.BaseDelay(attempt), e.random())
		metrics.DownstreamRetries.WithLabelValues(e.name, reason).Inc()

		attrs := []any{
			slog.String("service", e.name),
			slog.String("reason", reason),
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", e.policy.MaxRetries),
			slog.Duration("delay", delay),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		e.logger.Warn("retrying downstream call", attrs...)

		if err := e.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("retry: context cancelled: %w", err)
		}
	}
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
