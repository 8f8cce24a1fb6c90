package job

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned when a job cannot be found by ID, including evicted jobs.
	ErrJobNotFound = errors.New("job not found")
	// ErrHandleRequired is returned when submitting without a downstream handle.
	ErrHandleRequired = errors.New("job: downstream handle is required")
	// ErrDuplicateHandle is returned when a downstream handle is already tracked.
	ErrDuplicateHandle = errors.New("job: downstream handle already tracked")
)

// DefaultRetention is how long a job stays in the ledger regardless of status.
const DefaultRetention = time.Hour

// Stats summarizes the ledger contents.
type Stats struct {
	Total    int
	ByStatus map[Status]int
}

// Active returns the number of jobs not yet in a terminal status.
func (s Stats) Active() int {
	return s.ByStatus[StatusInQueue] + s.ByStatus[StatusInProgress]
}

// Ledger maps facade job ids to downstream handles and status.
// Advance is the only way to change a job after submission.
type Ledger interface {
	// Submit records a new IN_QUEUE job for handle and returns it.
	Submit(ctx context.Context, handle string) (*Job, error)

	// Get retrieves a job by its facade ID.
	// Returns ErrJobNotFound if the job does not exist or was evicted.
	Get(ctx context.Context, id string) (*Job, error)

	// FindByHandle retrieves a job by its downstream handle.
	FindByHandle(ctx context.Context, handle string) (*Job, error)

	// Advance applies u if it moves the job forward. It reports whether u was applied
	// and returns the job as stored after the call.
	Advance(ctx context.Context, id string, u Update) (*Job, bool, error)

	// Evict removes every job older than the retention window and returns how many.
	Evict(ctx context.Context, now time.Time) int

	// Stats returns counts by status.
	Stats(ctx context.Context) Stats
}
