// Package server provides the HTTP surfaces of genrelay: the RunPod-compatible
// wrapper facade and the embedded generation route.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"encoding/json"
	"time"

	"github.com/maauso/genrelay/internal/generate"
	"github.com/maauso/genrelay/internal/store"
)

// RunRequest is the HTTP request body of POST /run.
type RunRequest struct {
	Input struct {
		// Workflow is the ComfyUI API-format graph.
		Workflow json.RawMessage `json:"workflow"`
	} `json:"input"`
}

// RunResponse is the HTTP response after queueing a workflow.
type RunResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SubmitErrorResponse relays a downstream rejection.
type SubmitErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// StatusOutput holds the artifacts of a completed job.
type StatusOutput struct {
	// Images are bare base64 payloads or URLs, in engine order.
	Images []string `json:"images"`
}

// StatusResponse is the HTTP response of GET /status/{id}.
type StatusResponse struct {
	ID     string        `json:"id"`
	Status string        `json:"status"`
	Output *StatusOutput `json:"output,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// ComfyHealth reports the engine connection.
type ComfyHealth struct {
	Connected bool   `json:"connected"`
	URL       string `json:"url"`
}

// QueueHealth reports the engine queue.
type QueueHealth struct {
	Depth   int `json:"depth"`
	Pending int `json:"pending"`
	Running int `json:"running"`
}

// WrapperHealthResponse is the HTTP response of the wrapper GET /health.
type WrapperHealthResponse struct {
	Service    string      `json:"service"`
	Status     string      `json:"status"`
	ComfyUI    ComfyHealth `json:"comfyui"`
	Queue      QueueHealth `json:"queue"`
	ActiveJobs int         `json:"activeJobs"`
}

// UnhealthyResponse is returned with 503 when the engine cannot be reached.
type UnhealthyResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// GenerateRequest is the HTTP request body of POST /api/generate/{model}.
type GenerateRequest struct {
	// Prompt is the text prompt.
	Prompt string `json:"prompt" validate:"required,max=4000"`
	// Width is the output width in pixels.
	Width int `json:"width" validate:"omitempty,min=64,max=4096"`
	// Height is the output height in pixels.
	Height int `json:"height" validate:"omitempty,min=64,max=4096"`
	// NumOutputs is the number of images to produce.
	NumOutputs int `json:"numOutputs" validate:"omitempty,min=1,max=15"`
	// ReferenceImages are URLs or data URLs used by edit models.
	ReferenceImages []string `json:"referenceImages" validate:"omitempty,max=10,dive,required"`
}

// GenerateResponse is the HTTP response of a successful generation.
type GenerateResponse struct {
	Success     bool                `json:"success"`
	ID          string              `json:"id"`
	Images      []string            `json:"images"`
	CreditsUsed int64               `json:"creditsUsed"`
	Parameters  generate.Parameters `json:"parameters"`
	Timestamp   time.Time           `json:"timestamp"`
}

// ModelResponse describes one model in GET /api/models.
type ModelResponse struct {
	Name            string `json:"name"`
	Provider        string `json:"provider"`
	CreditsPerImage int    `json:"creditsPerImage"`
	NeedsReference  bool   `json:"needsReference"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the api health check endpoint.
type HealthResponse struct {
	Service string `json:"service"`
	Status  string `json:"status"`
}

// CreditsResponse is the body of GET /api/credits and POST /api/admin/credits.
type CreditsResponse struct {
	AgencyID string `json:"agencyId"`
	Balance  int64  `json:"balance"`
}

// GrantRequest is the body of POST /api/admin/credits.
type GrantRequest struct {
	AgencyID string `json:"agencyId" validate:"required"`
	Amount   int64  `json:"amount" validate:"required,min=1"`
}

// GenerationsResponse is the body of GET /api/generations.
type GenerationsResponse struct {
	Generations []*store.Generation `json:"generations"`
}
