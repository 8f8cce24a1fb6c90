package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/maauso/genrelay/internal/comfy"
	"github.com/maauso/genrelay/internal/job"
	"github.com/maauso/genrelay/internal/job/id"
	"github.com/maauso/genrelay/internal/normalize"
)

// ServiceName identifies the facade in health responses.
const ServiceName = "genrelay-wrapper"

// JobService is the part of job.Service the facade uses.
type JobService interface {
	Submit(ctx context.Context, workflow json.RawMessage) (*job.Job, error)
	Refresh(ctx context.Context, id string) (*job.Job, error)
	Ledger() job.Ledger
}

// EngineQueue reads the engine's own queue.
type EngineQueue interface {
	Queue(ctx context.Context) (comfy.QueueStatus, error)
	URL() string
}

// StreamState reports whether the engine event stream is up.
type StreamState interface {
	Connected() bool
}

// WrapperHandlers contains the HTTP handlers of the RunPod-compatible facade.
type WrapperHandlers struct {
	jobs   JobService
	engine EngineQueue
	stream StreamState
	logger *slog.Logger
}

// NewWrapperHandlers creates a new WrapperHandlers instance.
func NewWrapperHandlers(jobs JobService, engine EngineQueue, stream StreamState, logger *slog.Logger) *WrapperHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &WrapperHandlers{
		jobs:   jobs,
		engine: engine,
		stream: stream,
		logger: logger,
	}
}

// Run handles POST /run requests.
func (h *WrapperHandlers) Run(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, SubmitErrorResponse{Error: "invalid JSON body"})
		return
	}

	workflow := bytes.TrimSpace(req.Input.Workflow)
	if len(workflow) == 0 || bytes.Equal(workflow, []byte("null")) {
		writeJSON(w, http.StatusBadRequest, SubmitErrorResponse{Error: "input.workflow is required"})
		return
	}

	created, err := h.jobs.Submit(r.Context(), workflow)
	if err != nil {
		var rejected *comfy.SubmitError
		if errors.As(err, &rejected) {
			writeJSON(w, rejected.StatusCode, SubmitErrorResponse{
				Error:   "ComfyUI rejected the workflow",
				Details: rejected.Body,
			})
			return
		}
		h.logger.Error("failed to submit workflow",
			slog.String("request_id", RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadGateway, SubmitErrorResponse{
			Error:   "failed to submit workflow to ComfyUI",
			Details: err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, RunResponse{
		ID:     created.ID,
		Status: string(created.Status),
	})
}

// Status handles GET /status/{id} requests.
func (h *WrapperHandlers) Status(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}
	if !id.Valid(jobID) {
		writeError(w, http.StatusNotFound, "job not found", "INVALID_JOB_ID")
		return
	}

	found, err := h.jobs.Refresh(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get job", "JOB_FETCH_FAILED")
		return
	}

	resp := StatusResponse{
		ID:     found.ID,
		Status: string(found.Status),
	}
	switch found.Status {
	case job.StatusCompleted:
		images := make([]string, len(found.Outputs))
		for i, out := range found.Outputs {
			images[i] = normalize.TrimDataURL(out)
		}
		resp.Output = &StatusOutput{Images: images}
	case job.StatusFailed:
		resp.Error = found.Error
	}

	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /health requests.
func (h *WrapperHandlers) Health(w http.ResponseWriter, r *http.Request) {
	queue, err := h.engine.Queue(r.Context())
	if err != nil {
		h.logger.Warn("health check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, UnhealthyResponse{
			Status: "unhealthy",
			Error:  err.Error(),
		})
		return
	}

	connected := h.stream != nil && h.stream.Connected()
	status := "healthy"
	if !connected {
		status = "degraded"
	}

	stats := h.jobs.Ledger().Stats(r.Context())
	writeJSON(w, http.StatusOK, WrapperHealthResponse{
		Service: ServiceName,
		Status:  status,
		ComfyUI: ComfyHealth{Connected: connected, URL: h.engine.URL()},
		Queue: QueueHealth{
			Depth:   queue.Depth(),
			Pending: queue.Pending,
			Running: queue.Running,
		},
		ActiveJobs: stats.Total,
	})
}
