// Package poller repeatedly queries a downstream status endpoint until a job
// completes, fails, or the attempt ceiling is reached.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maauso/genrelay/internal/metrics"
)

// Defaults tuned for image generation: a two minute ceiling.
const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 60
)

var (
	// ErrTimeout is returned when MaxAttempts polls produced no verdict.
	ErrTimeout = errors.New("timeout waiting for generation")
	// ErrHandleRequired is returned when Run is called without a handle.
	ErrHandleRequired = errors.New("poller: job handle is required")
)

// genericFailure is reported when the downstream marks a job failed without a reason.
const genericFailure = "generation failed"

// FailedError carries the downstream failure message.
type FailedError struct {
	Handle  string
	Message string
}

func (e *FailedError) Error() string {
	return e.Message
}

// State is the normalized downstream job state.
type State int

const (
	// StateUnknown means the response carried no recognizable status.
	StateUnknown State = iota
	// StatePending means the job is queued or running.
	StatePending
	// StateCompleted means the job finished successfully.
	StateCompleted
	// StateFailed means the job finished with an error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Snapshot is one observation of a downstream job.
type Snapshot struct {
	State State
	// Payload is the raw response handed to the caller on completion.
	Payload json.RawMessage
	// Message is the downstream error text for failed jobs.
	Message string
	// HasOutputs is true when the response already contains output data.
	HasOutputs bool
}

// Fetcher queries the downstream once for the given handle.
type Fetcher func(ctx context.Context, handle string) (Snapshot, error)

// Poller drives a Fetcher until it reports a verdict.
type Poller struct {
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the delay between attempts.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMaxAttempts sets the attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithSleeper replaces the context-aware sleep between attempts.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) {
		p.sleep = fn
	}
}

// New creates a Poller with the default interval and ceiling.
func New(opts ...Option) *Poller {
	p := &Poller{
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Interval returns the delay between attempts.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// MaxAttempts returns the attempt ceiling.
func (p *Poller) MaxAttempts() int {
	return p.maxAttempts
}

// Run polls handle until completion, failure, or timeout.
//
// A fetch error counts as a spent attempt and polling continues; only the
// context ending stops the loop early.
func (p *Poller) Run(ctx context.Context, handle string, fetch Fetcher) (json.RawMessage, error) {
	if handle == "" {
		return nil, ErrHandleRequired
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		snap, err := fetch(ctx, handle)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, fmt.Errorf("poller: context cancelled: %w", ctx.Err())
			}
			lastErr = err
			p.logger.Warn("status query failed",
				slog.String("handle", handle),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		case snap.State == StateCompleted:
			metrics.PollAttempts.Observe(float64(attempt))
			return snap.Payload, nil
		case snap.State == StateFailed:
			metrics.PollAttempts.Observe(float64(attempt))
			msg := snap.Message
			if msg == "" {
				msg = genericFailure
			}
			return nil, &FailedError{Handle: handle, Message: msg}
		case snap.HasOutputs:
			// Some engines omit the status marker but already carry outputs.
			metrics.PollAttempts.Observe(float64(attempt))
			return snap.Payload, nil
		default:
			p.logger.Debug("job still pending",
				slog.String("handle", handle),
				slog.Int("attempt", attempt),
				slog.String("state", snap.State.String()),
			)
		}

		if attempt == p.maxAttempts {
			break
		}
		if err := p.sleep(ctx, p.interval); err != nil {
			return nil, fmt.Errorf("poller: context cancelled: %w", err)
		}
	}

	metrics.PollAttempts.Observe(float64(p.maxAttempts))
	if lastErr != nil {
		return nil, fmt.Errorf("%w: last error: %w", ErrTimeout, lastErr)
	}
	return nil, ErrTimeout
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
