package job

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	job := New("prompt-1", now)

	if !strings.HasPrefix(job.ID, "job-") {
		t.Errorf("expected job ID to start with job-, got %s", job.ID)
	}
	if job.Status != StatusInQueue {
		t.Errorf("expected status %s, got %s", StatusInQueue, job.Status)
	}
	if job.DownstreamHandle != "prompt-1" {
		t.Errorf("expected handle prompt-1, got %s", job.DownstreamHandle)
	}
	if !job.CreatedAt.Equal(now) {
		t.Errorf("expected CreatedAt %v, got %v", now, job.CreatedAt)
	}
	if job.Outputs != nil {
		t.Error("expected no outputs on a new job")
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusInQueue, false},
		{StatusInProgress, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestJob_Apply(t *testing.T) {
	tests := []struct {
		name        string
		from        Status
		update      Update
		wantApplied bool
		wantErr     error
		wantStatus  Status
	}{
		// Forward moves
		{"IN_QUEUE to IN_PROGRESS", StatusInQueue, Update{Status: StatusInProgress}, true, nil, StatusInProgress},
		{"IN_QUEUE to COMPLETED", StatusInQueue, Update{Status: StatusCompleted, Outputs: []string{"a"}}, true, nil, StatusCompleted},
		{"IN_QUEUE to FAILED", StatusInQueue, Update{Status: StatusFailed, Error: "x"}, true, nil, StatusFailed},
		{"IN_PROGRESS to COMPLETED", StatusInProgress, Update{Status: StatusCompleted, Outputs: []string{"a"}}, true, nil, StatusCompleted},
		{"IN_PROGRESS to FAILED", StatusInProgress, Update{Status: StatusFailed}, true, nil, StatusFailed},
		// Ignored moves
		{"IN_PROGRESS to IN_QUEUE", StatusInProgress, Update{Status: StatusInQueue}, false, nil, StatusInProgress},
		{"IN_PROGRESS to IN_PROGRESS", StatusInProgress, Update{Status: StatusInProgress}, false, nil, StatusInProgress},
		{"COMPLETED to IN_PROGRESS", StatusCompleted, Update{Status: StatusInProgress}, false, nil, StatusCompleted},
		{"COMPLETED to FAILED", StatusCompleted, Update{Status: StatusFailed, Error: "late"}, false, nil, StatusCompleted},
		{"FAILED to COMPLETED", StatusFailed, Update{Status: StatusCompleted, Outputs: []string{"a"}}, false, nil, StatusFailed},
		// Rejected moves
		{"COMPLETED without outputs", StatusInQueue, Update{Status: StatusCompleted}, false, ErrOutputsRequired, StatusInQueue},
		{"unknown status", StatusInQueue, Update{Status: "CANCELLED"}, false, ErrInvalidStatus, StatusInQueue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := New("h", time.Now())
			job.Status = tt.from

			applied, err := job.apply(tt.update, time.Now())

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
			if applied != tt.wantApplied {
				t.Errorf("expected applied=%v, got %v", tt.wantApplied, applied)
			}
			if job.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, job.Status)
			}
		})
	}
}

func TestJob_Apply_Timestamps(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	job := New("h", created)

	started := created.Add(time.Second)
	if _, err := job.apply(Update{Status: StatusInProgress}, started); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !job.StartedAt.Equal(started) {
		t.Errorf("expected StartedAt %v, got %v", started, job.StartedAt)
	}

	done := created.Add(5 * time.Second)
	if _, err := job.apply(Update{Status: StatusCompleted, Outputs: []string{"a"}}, done); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !job.CompletedAt.Equal(done) {
		t.Errorf("expected CompletedAt %v, got %v", done, job.CompletedAt)
	}
	if !job.CreatedAt.Equal(created) {
		t.Error("CreatedAt must not change")
	}
}

func TestJob_Apply_FieldsFollowStatus(t *testing.T) {
	job := New("h", time.Now())

	// Outputs proposed with a non-terminal status are dropped.
	if _, err := job.apply(Update{Status: StatusInProgress, Outputs: []string{"early"}}, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Outputs != nil {
		t.Errorf("expected no outputs while IN_PROGRESS, got %v", job.Outputs)
	}

	if _, err := job.apply(Update{Status: StatusFailed}, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Error != "job failed" {
		t.Errorf("expected generic error message, got %q", job.Error)
	}
	if job.Outputs != nil {
		t.Error("failed job must not carry outputs")
	}
}

func TestJob_Clone(t *testing.T) {
	job := New("h", time.Now())
	if _, err := job.apply(Update{Status: StatusCompleted, Outputs: []string{"a", "b"}}, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clone := job.Clone()
	clone.Outputs[0] = "mutated"
	clone.Status = StatusFailed

	if job.Outputs[0] != "a" {
		t.Error("clone shares outputs with original")
	}
	if job.Status != StatusCompleted {
		t.Error("clone shares status with original")
	}
}
