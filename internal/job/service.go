package job

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maauso/genrelay/internal/normalize"
	"github.com/maauso/genrelay/internal/poller"
)

// Engine is the downstream image engine as seen by the facade.
type Engine interface {
	// Submit queues a workflow and returns the engine's handle for it.
	Submit(ctx context.Context, workflow json.RawMessage) (string, error)

	// Snapshot reads the engine's current view of handle. On completion the payload
	// is a body the normalize package understands.
	Snapshot(ctx context.Context, handle string) (poller.Snapshot, error)
}

// SignalKind is a push-channel observation about a downstream job.
type SignalKind int

const (
	// SignalStarted means the engine began executing the job.
	SignalStarted SignalKind = iota + 1
	// SignalFinished means the engine reports the job done; outputs must be fetched.
	SignalFinished
	// SignalFailed means the engine reports an execution error.
	SignalFailed
)

// Signal is one event-stream observation, keyed by downstream handle.
type Signal struct {
	Kind    SignalKind
	Handle  string
	Message string
}

// Sources of ledger updates.
const (
	SourceEvents = "events"
	SourcePoller = "poller"
	SourceStatus = "status"
)

// DefaultEarlySignalTTL bounds how long a signal for a not yet recorded handle is kept.
const DefaultEarlySignalTTL = time.Minute

type earlySignal struct {
	sig Signal
	at  time.Time
}

// Service runs the wrapper workflow: submit to the engine, record the job, and keep
// the ledger entry moving from both the poller and the event stream.
type Service struct {
	ledger Ledger
	engine Engine
	poller *poller.Poller
	logger *slog.Logger

	base context.Context
	wg   sync.WaitGroup

	// Signals can beat the ledger write for the handle the engine just returned.
	earlyMu  sync.Mutex
	early    map[string][]earlySignal
	earlyTTL time.Duration
	now      func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithBaseContext sets the context background trackers derive from. Cancelling it
// stops every tracker; callers disconnecting never does.
func WithBaseContext(ctx context.Context) ServiceOption {
	return func(s *Service) {
		if ctx != nil {
			s.base = ctx
		}
	}
}

// WithEarlySignalTTL sets how long signals for unknown handles wait for their job.
func WithEarlySignalTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.earlyTTL = d
		}
	}
}

// NewService creates a new Service.
func NewService(ledger Ledger, engine Engine, p *poller.Poller, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if p == nil {
		p = poller.New(poller.WithLogger(logger))
	}
	s := &Service{
		ledger: ledger,
		engine: engine,
		poller: p,
		logger: logger,
		base:   context.Background(),

		early:    make(map[string][]earlySignal),
		earlyTTL: DefaultEarlySignalTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ledger returns the underlying ledger.
func (s *Service) Ledger() Ledger {
	return s.ledger
}

// Submit sends workflow to the engine, records a new job for the returned handle,
// and starts a background tracker for it.
func (s *Service) Submit(ctx context.Context, workflow json.RawMessage) (*Job, error) {
	handle, err := s.engine.Submit(ctx, workflow)
	if err != nil {
		s.logger.Error("engine submission failed", slog.String("error", err.Error()))
		return nil, err
	}

	job, err := s.ledger.Submit(ctx, handle)
	if err != nil {
		s.logger.Error("failed to record job",
			slog.String("handle", handle),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.logger.Info("job submitted",
		slog.String("job_id", job.ID),
		slog.String("handle", handle),
	)

	for _, sig := range s.takeEarly(handle) {
		s.Observe(s.base, sig)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.track(job.ID, handle)
	}()

	return job, nil
}

// Get retrieves a job by ID.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.ledger.Get(ctx, id)
}

// Refresh returns the job after one pull from the engine when it is not yet terminal.
// A failed pull is logged and the stored job is returned unchanged.
func (s *Service) Refresh(ctx context.Context, id string) (*Job, error) {
	job, err := s.ledger.Get(ctx, id)
	if err != nil || job.IsTerminal() {
		return job, err
	}

	snap, err := s.engine.Snapshot(ctx, job.DownstreamHandle)
	if err != nil {
		s.logger.Warn("status refresh failed",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		return job, nil
	}

	s.settle(ctx, id, snap, SourceStatus)

	// Re-read: the job may have moved or been evicted meanwhile.
	return s.ledger.Get(ctx, id)
}

// Observe applies an event-stream signal to the matching job. A signal for a handle
// the ledger does not know yet is held until Submit records it or the TTL passes.
func (s *Service) Observe(ctx context.Context, sig Signal) {
	s.earlyMu.Lock()
	job, err := s.ledger.FindByHandle(ctx, sig.Handle)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			s.holdEarly(sig)
		}
		s.earlyMu.Unlock()
		s.logger.Debug("event for unknown handle",
			slog.String("handle", sig.Handle),
			slog.String("error", err.Error()),
		)
		return
	}
	s.earlyMu.Unlock()

	switch sig.Kind {
	case SignalStarted:
		s.advance(ctx, job.ID, Update{Status: StatusInProgress, Source: SourceEvents})
	case SignalFailed:
		s.advance(ctx, job.ID, Update{Status: StatusFailed, Error: sig.Message, Source: SourceEvents})
	case SignalFinished:
		if job.IsTerminal() {
			return
		}
		snap, err := s.engine.Snapshot(ctx, sig.Handle)
		if err != nil {
			// The tracker's poller will pick the result up.
			s.logger.Warn("history fetch after completion event failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		s.settle(ctx, job.ID, snap, SourceEvents)
	}
}

// holdEarly buffers sig and drops expired entries. Callers hold earlyMu.
func (s *Service) holdEarly(sig Signal) {
	now := s.now()
	for handle, held := range s.early {
		if now.Sub(held[len(held)-1].at) > s.earlyTTL {
			delete(s.early, handle)
		}
	}
	s.early[sig.Handle] = append(s.early[sig.Handle], earlySignal{sig: sig, at: now})
}

// takeEarly removes and returns the unexpired signals held for handle, oldest first.
func (s *Service) takeEarly(handle string) []Signal {
	s.earlyMu.Lock()
	defer s.earlyMu.Unlock()

	held, ok := s.early[handle]
	if !ok {
		return nil
	}
	delete(s.early, handle)

	now := s.now()
	sigs := make([]Signal, 0, len(held))
	for _, e := range held {
		if now.Sub(e.at) <= s.earlyTTL {
			sigs = append(sigs, e.sig)
		}
	}
	return sigs
}

// Wait blocks until every background tracker has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

// track polls the engine until the job settles, unless another writer settles it first.
func (s *Service) track(id, handle string) {
	ctx := s.base

	settled := false
	fetch := func(ctx context.Context, handle string) (poller.Snapshot, error) {
		job, err := s.ledger.Get(ctx, id)
		if err != nil || job.IsTerminal() {
			settled = true
			return poller.Snapshot{State: poller.StateCompleted}, nil
		}
		return s.engine.Snapshot(ctx, handle)
	}

	payload, err := s.poller.Run(ctx, handle, fetch)
	if settled {
		return
	}

	var failed *poller.FailedError
	switch {
	case err == nil:
		s.complete(ctx, id, payload, SourcePoller)
	case errors.As(err, &failed):
		s.advance(ctx, id, Update{Status: StatusFailed, Error: failed.Message, Source: SourcePoller})
	case errors.Is(err, poller.ErrTimeout):
		s.advance(ctx, id, Update{Status: StatusFailed, Error: poller.ErrTimeout.Error(), Source: SourcePoller})
	default:
		s.logger.Info("job tracker stopped",
			slog.String("job_id", id),
			slog.String("reason", err.Error()),
		)
	}
}

// settle applies a snapshot that may carry a verdict.
func (s *Service) settle(ctx context.Context, id string, snap poller.Snapshot, source string) {
	switch {
	case snap.State == poller.StateCompleted, snap.HasOutputs:
		s.complete(ctx, id, snap.Payload, source)
	case snap.State == poller.StateFailed:
		s.advance(ctx, id, Update{Status: StatusFailed, Error: snap.Message, Source: source})
	}
}

// complete normalizes payload and completes the job, or fails it when the payload
// holds no outputs.
func (s *Service) complete(ctx context.Context, id string, payload json.RawMessage, source string) {
	res, err := normalize.Normalize(payload)
	if err == nil && res.Async() {
		err = normalize.ErrNoOutputs
	}
	if err != nil {
		s.advance(ctx, id, Update{Status: StatusFailed, Error: err.Error(), Source: source})
		return
	}
	s.advance(ctx, id, Update{Status: StatusCompleted, Outputs: res.Outputs, Source: source})
}

func (s *Service) advance(ctx context.Context, id string, u Update) {
	if _, _, err := s.ledger.Advance(ctx, id, u); err != nil && !errors.Is(err, ErrJobNotFound) {
		s.logger.Error("failed to advance job",
			slog.String("job_id", id),
			slog.String("status", string(u.Status)),
			slog.String("error", err.Error()),
		)
	}
}
