// Package wavespeed provides an HTTP client for the WaveSpeed prediction API used by
// the Seedream image models.
package wavespeed

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state reported for a prediction.
type Status string

// WaveSpeed prediction statuses.
const (
	StatusCreated    Status = "created"
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ParseStatus folds the spellings seen in the wild onto the known statuses.
func ParseStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "success", "succeeded", "done":
		return StatusCompleted
	case "error":
		return StatusFailed
	case "canceled":
		return StatusCancelled
	case "in_progress", "in-progress", "running":
		return StatusProcessing
	}
	return Status(s)
}

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// SubmitRequest is the body of POST /api/v3/{model}.
type SubmitRequest struct {
	Prompt             string   `json:"prompt"`
	Size               string   `json:"size,omitempty"`
	Images             []string `json:"images,omitempty"`
	MaxImages          int      `json:"max_images,omitempty"`
	Seed               *int64   `json:"seed,omitempty"`
	EnableSyncMode     bool     `json:"enable_sync_mode,omitempty"`
	EnableBase64Output bool     `json:"enable_base64_output,omitempty"`
}

// Size formats width and height the way the API expects ("W*H").
func Size(width, height int) string {
	if width <= 0 || height <= 0 {
		return ""
	}
	return fmt.Sprintf("%d*%d", width, height)
}

// envelope is the common response wrapper {code, message, data}.
type envelope struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    prediction `json:"data"`
}

// prediction is the data block of submit and result responses.
type prediction struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Status  string   `json:"status"`
	Outputs []string `json:"outputs"`
	Error   string   `json:"error"`
}
