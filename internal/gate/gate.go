// Package gate serializes outbound calls against a rate-limited downstream service.
//
// A Gate admits one operation at a time in FIFO order and spaces consecutive
// dispatches by at least MinDelay, measured from the start of the previous one.
// Every submission is resolved exactly once with the outcome of its own operation.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maauso/genrelay/internal/metrics"
)

// ErrPanic is returned to a submitter whose operation panicked.
var ErrPanic = errors.New("gate: operation panicked")

// DefaultMinDelay is the spacing observed to stay under the WaveSpeed burst limit.
const DefaultMinDelay = 1500 * time.Millisecond

// State is the drain state of a Gate.
type State string

const (
	// StateIdle means no drain loop is running.
	StateIdle State = "idle"
	// StateDraining means a drain loop is dispatching queued operations.
	StateDraining State = "draining"
)

// Stats is a point-in-time view of a Gate.
type Stats struct {
	// Depth is the number of submissions waiting for dispatch.
	Depth int
	// Running is true while an operation is executing.
	Running bool
	// State is the current drain state.
	State State
}

type outcome struct {
	value any
	err   error
}

type entry struct {
	ctx      context.Context
	op       func(ctx context.Context) (any, error)
	result   chan outcome
	enqueued time.Time
}

// Gate is a serial request gate. The zero value is not usable; use New.
type Gate struct {
	name     string
	minDelay time.Duration
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(d time.Duration)

	mu           sync.Mutex
	queue        []*entry
	state        State
	running      bool
	lastDispatch time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithMinDelay sets the minimum spacing between dispatch starts.
func WithMinDelay(d time.Duration) Option {
	return func(g *Gate) {
		if d >= 0 {
			g.minDelay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock replaces the clock and sleep functions used for spacing.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
		if sleep != nil {
			g.sleep = sleep
		}
	}
}

// New creates an idle Gate for the named downstream service.
func New(name string, opts ...Option) *Gate {
	g := &Gate{
		name:     name,
		minDelay: DefaultMinDelay,
		logger:   slog.Default(),
		now:      time.Now,
		sleep:    time.Sleep,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns the downstream service name.
func (g *Gate) Name() string {
	return g.name
}

// MinDelay returns the configured dispatch spacing.
func (g *Gate) MinDelay() time.Duration {
	return g.minDelay
}

// Stats returns the current queue depth and drain state.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Depth: len(g.queue), Running: g.running, State: g.state}
}

// Do submits op to the gate and waits for its outcome.
//
// If ctx is done before op reaches the head of the queue, op is skipped and the
// context error is returned. If ctx is done while op is running, Do returns the
// context error immediately but op keeps running to completion.
func Do[T any](ctx context.Context, g *Gate, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	e := &entry{
		ctx: ctx,
		op: func(ctx context.Context) (any, error) {
			return op(ctx)
		},
		result:   make(chan outcome, 1),
		enqueued: g.now(),
	}
	g.submit(e)

	select {
	case out := <-e.result:
		if out.err != nil {
			if v, ok := out.value.(T); ok {
				return v, out.err
			}
			return zero, out.err
		}
		v, _ := out.value.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (g *Gate) submit(e *entry) {
	g.mu.Lock()
	g.queue = append(g.queue, e)
	depth := len(g.queue)
	start := g.state == StateIdle
	if start {
		g.state = StateDraining
	}
	g.mu.Unlock()

	metrics.GateDepth.WithLabelValues(g.name).Set(float64(depth))
	if start {
		go g.drain()
	}
}

// drain dispatches queued entries until the queue is empty, then returns the gate to idle.
func (g *Gate) drain() {
	for {
		g.mu.Lock()
		if len(g.queue) == 0 {
			g.state = StateIdle
			g.mu.Unlock()
			metrics.GateDepth.WithLabelValues(g.name).Set(0)
			return
		}
		e := g.queue[0]
		g.queue[0] = nil
		g.queue = g.queue[1:]
		depth := len(g.queue)
		last := g.lastDispatch
		g.mu.Unlock()

		metrics.GateDepth.WithLabelValues(g.name).Set(float64(depth))

		if err := e.ctx.Err(); err != nil {
			e.result <- outcome{err: err}
			continue
		}

		if !last.IsZero() {
			if wait := g.minDelay - g.now().Sub(last); wait > 0 {
				g.sleep(wait)
			}
		}

		dispatched := g.now()
		g.mu.Lock()
		g.lastDispatch = dispatched
		g.running = true
		g.mu.Unlock()

		metrics.GateWait.WithLabelValues(g.name).Observe(dispatched.Sub(e.enqueued).Seconds())
		g.logger.Debug("gate dispatch",
			slog.String("service", g.name),
			slog.Int("queued", depth),
			slog.Duration("waited", dispatched.Sub(e.enqueued)),
		)

		e.result <- g.run(e)

		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
	}
}

func (g *Gate) run(e *entry) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("gate operation panicked",
				slog.String("service", g.name),
				slog.Any("panic", r),
			)
			out = outcome{err: fmt.Errorf("%w: %v", ErrPanic, r)}
		}
	}()
	// The op runs to completion even if the submitter stops waiting.
	v, err := e.op(context.WithoutCancel(e.ctx))
	return outcome{value: v, err: err}
}
