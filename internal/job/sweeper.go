package job

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the eviction sweep runs.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically evicts expired jobs from a Ledger.
type Sweeper struct {
	ledger   Ledger
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. A non-positive interval falls back to DefaultSweepInterval.
func NewSweeper(ledger Ledger, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		ledger:   ledger,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// Sweep runs one eviction pass and returns the number of evicted jobs.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n := s.ledger.Evict(ctx, s.now())
	if n > 0 {
		s.logger.Info("evicted expired jobs", slog.Int("count", n))
	}
	return n
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("job sweeper started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("job sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
