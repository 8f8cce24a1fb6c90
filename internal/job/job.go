// Package job provides the caller-facing Job record of the wrapper facade and the
// in-memory Ledger that maps facade job ids to downstream prompt ids.
// Status values follow the RunPod serverless vocabulary so existing RunPod clients
// can poll the facade unchanged.
package job

import (
	"errors"
	"time"

	"github.com/maauso/genrelay/internal/job/id"
)

// Status represents the current state of a Job.
type Status string

const (
	// StatusInQueue indicates the prompt was accepted by the engine and is waiting.
	StatusInQueue Status = "IN_QUEUE"
	// StatusInProgress indicates the engine started executing the prompt.
	StatusInProgress Status = "IN_PROGRESS"
	// StatusCompleted indicates the job finished and its outputs are available.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the job finished with an error.
	StatusFailed Status = "FAILED"
)

// Statuses lists every status in rank order.
var Statuses = []Status{StatusInQueue, StatusInProgress, StatusCompleted, StatusFailed}

var (
	// ErrInvalidStatus is returned for a status outside the known set.
	ErrInvalidStatus = errors.New("job: invalid status")
	// ErrOutputsRequired is returned when completing a job without outputs.
	ErrOutputsRequired = errors.New("job: completed status requires outputs")
)

// rank orders statuses. Both terminal statuses share the top rank.
var rank = map[Status]int{
	StatusInQueue:    0,
	StatusInProgress: 1,
	StatusCompleted:  2,
	StatusFailed:     2,
}

// IsValid returns true if the status is known.
func (s Status) IsValid() bool {
	_, ok := rank[s]
	return ok
}

// IsTerminal returns true for COMPLETED and FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// canAdvance reports whether moving from one status to another goes strictly forward.
// Nothing leaves a terminal status.
func canAdvance(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	return rank[to] > rank[from]
}

// Job is one submission tracked by the facade.
type Job struct {
	// ID is the facade identifier returned to callers.
	ID string
	// Status is the current job state.
	Status Status
	// DownstreamHandle is the engine's prompt id. Set once at submission.
	DownstreamHandle string
	// Outputs holds base64 images or URLs. Only set when Status is COMPLETED.
	Outputs []string
	// Error contains the failure reason. Only set when Status is FAILED.
	Error string
	// CreatedAt drives eviction.
	CreatedAt time.Time
	// UpdatedAt is when the job last changed.
	UpdatedAt time.Time
	// StartedAt is when the engine began executing.
	StartedAt time.Time
	// CompletedAt is when the job reached a terminal status.
	CompletedAt time.Time
}

// New creates a Job in IN_QUEUE for the given downstream handle.
func New(handle string, now time.Time) *Job {
	return &Job{
		ID:               id.Generate(),
		Status:           StatusInQueue,
		DownstreamHandle: handle,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// IsTerminal returns true if the job is COMPLETED or FAILED.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Age returns how long ago the job was created.
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	c := *j
	if j.Outputs != nil {
		c.Outputs = make([]string, len(j.Outputs))
		copy(c.Outputs, j.Outputs)
	}
	return &c
}

// Update is a proposed state change. Only Ledger.Advance applies it.
type Update struct {
	Status Status
	// Outputs is only honoured together with StatusCompleted.
	Outputs []string
	// Error is only honoured together with StatusFailed.
	Error string
	// Source names the writer for logs and metrics (events, poller, status).
	Source string
}

// apply moves j forward according to u. It returns false when u would not move
// the job forward; j is left untouched in that case.
func (j *Job) apply(u Update, now time.Time) (bool, error) {
	if !u.Status.IsValid() {
		return false, ErrInvalidStatus
	}
	if !canAdvance(j.Status, u.Status) {
		return false, nil
	}
	if u.Status == StatusCompleted && len(u.Outputs) == 0 {
		return false, ErrOutputsRequired
	}

	j.Status = u.Status
	j.UpdatedAt = now

	switch u.Status {
	case StatusInProgress:
		j.StartedAt = now
	case StatusCompleted:
		j.Outputs = append([]string(nil), u.Outputs...)
		j.CompletedAt = now
	case StatusFailed:
		j.Error = u.Error
		if j.Error == "" {
			j.Error = "job failed"
		}
		j.CompletedAt = now
	}
	return true, nil
}
