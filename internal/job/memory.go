package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maauso/genrelay/internal/metrics"
)

// Compile-time check that MemoryLedger implements Ledger.
var _ Ledger = (*MemoryLedger)(nil)

// MemoryLedger is an in-memory implementation of Ledger.
// It uses a map with RWMutex for thread-safe access; every read and write clones.
// Nothing is persisted, so a restart loses all in-flight jobs.
type MemoryLedger struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	byHandle  map[string]string
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// LedgerOption configures a MemoryLedger.
type LedgerOption func(*MemoryLedger)

// WithRetention sets the eviction window.
func WithRetention(d time.Duration) LedgerOption {
	return func(l *MemoryLedger) {
		if d > 0 {
			l.retention = d
		}
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *MemoryLedger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLedgerLogger sets the logger.
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *MemoryLedger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewMemoryLedger creates a new in-memory job ledger.
func NewMemoryLedger(opts ...LedgerOption) *MemoryLedger {
	l := &MemoryLedger{
		jobs:      make(map[string]*Job),
		byHandle:  make(map[string]string),
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Retention returns the eviction window.
func (l *MemoryLedger) Retention() time.Duration {
	return l.retention
}

// Submit creates the job and its handle mapping in one step.
func (l *MemoryLedger) Submit(_ context.Context, handle string) (*Job, error) {
	if handle == "" {
		return nil, ErrHandleRequired
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byHandle[handle]; ok {
		return nil, ErrDuplicateHandle
	}

	job := New(handle, l.now())
	l.jobs[job.ID] = job
	l.byHandle[handle] = job.ID
	metrics.JobsByStatus.WithLabelValues(string(job.Status)).Inc()

	return job.Clone(), nil
}

// Get retrieves a job by its ID.
// Returns a clone to prevent external mutations.
func (l *MemoryLedger) Get(_ context.Context, id string) (*Job, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	job, ok := l.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// FindByHandle retrieves a job by its downstream handle.
func (l *MemoryLedger) FindByHandle(_ context.Context, handle string) (*Job, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byHandle[handle]
	if !ok {
		return nil, ErrJobNotFound
	}
	job, ok := l.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// Advance applies u under the ledger lock. The job is re-read inside the lock so
// concurrent writers always see the latest state; the first terminal writer wins.
func (l *MemoryLedger) Advance(_ context.Context, id string, u Update) (*Job, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.jobs[id]
	if !ok {
		return nil, false, ErrJobNotFound
	}

	from := job.Status
	applied, err := job.apply(u, l.now())
	if err != nil {
		return job.Clone(), false, err
	}

	if !applied {
		if u.Status != from {
			metrics.StatusRegressionsIgnored.WithLabelValues(sourceLabel(u.Source)).Inc()
			l.logger.Debug("ignoring non-forward status update",
				slog.String("job_id", id),
				slog.String("current", string(from)),
				slog.String("proposed", string(u.Status)),
				slog.String("source", u.Source),
			)
		}
		return job.Clone(), false, nil
	}

	metrics.JobsByStatus.WithLabelValues(string(from)).Dec()
	metrics.JobsByStatus.WithLabelValues(string(job.Status)).Inc()
	l.logger.Info("job advanced",
		slog.String("job_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(job.Status)),
		slog.String("source", u.Source),
	)

	return job.Clone(), true, nil
}

// Evict removes jobs whose age exceeds the retention window, regardless of status.
func (l *MemoryLedger) Evict(_ context.Context, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, job := range l.jobs {
		if job.Age(now) <= l.retention {
			continue
		}
		delete(l.jobs, id)
		delete(l.byHandle, job.DownstreamHandle)
		metrics.JobsByStatus.WithLabelValues(string(job.Status)).Dec()
		removed++
	}
	if removed > 0 {
		metrics.JobsEvicted.Add(float64(removed))
	}
	return removed
}

// Stats returns counts by status.
func (l *MemoryLedger) Stats(_ context.Context) Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Stats{Total: len(l.jobs), ByStatus: make(map[Status]int, len(Statuses))}
	for _, st := range Statuses {
		s.ByStatus[st] = 0
	}
	for _, job := range l.jobs {
		s.ByStatus[job.Status]++
	}
	return s
}

func sourceLabel(source string) string {
	if source == "" {
		return "unknown"
	}
	return source
}
