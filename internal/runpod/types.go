// Package runpod provides an HTTP client for RunPod-style serverless endpoints:
// RunPod itself, or the ComfyUI wrapper that speaks the same /run and /status API.
package runpod

import (
	"encoding/json"

	"github.com/maauso/genrelay/internal/normalize"
	"github.com/maauso/genrelay/internal/poller"
)

// Status represents the status of a RunPod job.
type Status string

// RunPod job statuses aligned with the RunPod API.
const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusRunning    Status = "RUNNING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// runRequest represents the request body for the /run endpoint.
type runRequest struct {
	Input any `json:"input"`
}

// runResponse represents the response from the /run endpoint.
type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// statusResponse represents the response from the /status endpoint.
type statusResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StatusResult contains the result of one status query.
type StatusResult struct {
	ID     string
	Status Status
	Error  string          // Error message (only set when Status is terminal and unsuccessful)
	Raw    json.RawMessage // Full response body, for normalization
}

// Snapshot classifies the result for the poller.
func (r StatusResult) Snapshot() poller.Snapshot {
	snap := poller.Snapshot{Payload: r.Raw, HasOutputs: normalize.HasOutputs(r.Raw)}
	switch r.Status {
	case StatusCompleted:
		snap.State = poller.StateCompleted
	case StatusFailed, StatusCancelled, StatusTimedOut:
		snap.State = poller.StateFailed
		snap.Message = r.Error
		if snap.Message == "" && r.Status != StatusFailed {
			snap.Message = "job " + string(r.Status)
		}
	case StatusInQueue, StatusRunning, StatusInProgress:
		snap.State = poller.StatePending
	default:
		snap.State = poller.StateUnknown
	}
	return snap
}
