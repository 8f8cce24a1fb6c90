package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/genrelay/internal/generate"
	"github.com/maauso/genrelay/internal/generator"
	"github.com/maauso/genrelay/internal/store"
	"github.com/maauso/genrelay/internal/tenant"
)

// APIServiceName identifies the generation api in health responses.
const APIServiceName = "genrelay-api"

// rateLimitedMessage is returned with 429 once downstream retries are exhausted.
const rateLimitedMessage = "Rate limit exceeded. Please try again in a few moments."

// Limits of GET /api/generations.
const (
	DefaultGenerationsLimit = 50
	MaxGenerationsLimit     = 200
)

// Generations runs generation requests.
type Generations interface {
	Generate(ctx context.Context, who tenant.Identity, model string, req generator.Request) (*generate.Result, error)
}

// ModelLister lists the models the api serves.
type ModelLister interface {
	Models() []generator.Model
}

// Accounts reads and funds agency balances and lists their generation history.
type Accounts interface {
	Balance(ctx context.Context, agencyID string) (int64, error)
	Grant(ctx context.Context, agencyID string, amount int64) (int64, error)
	ListGenerations(ctx context.Context, agencyID string, limit int) ([]*store.Generation, error)
}

// APIHandlers contains the HTTP handlers of the embedded generation route.
type APIHandlers struct {
	generations Generations
	models      ModelLister
	accounts    Accounts
	validator   *validator.Validate
	logger      *slog.Logger
}

// NewAPIHandlers creates a new APIHandlers instance.
func NewAPIHandlers(generations Generations, models ModelLister, accounts Accounts, logger *slog.Logger) *APIHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandlers{
		generations: generations,
		models:      models,
		accounts:    accounts,
		validator:   validator.New(),
		logger:      logger,
	}
}

// Health handles GET /health requests.
func (h *APIHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Service: APIServiceName, Status: "ok"})
}

// Models handles GET /api/models requests.
func (h *APIHandlers) Models(w http.ResponseWriter, r *http.Request) {
	models := h.models.Models()
	resp := make([]ModelResponse, 0, len(models))
	for _, m := range models {
		resp = append(resp, ModelResponse{
			Name:            m.Name,
			Provider:        string(m.Provider),
			CreditsPerImage: m.CreditsPerImage,
			NeedsReference:  m.NeedsReference,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Generate handles POST /api/generate/{model} requests.
func (h *APIHandlers) Generate(w http.ResponseWriter, r *http.Request) {
	who, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required", "UNAUTHORIZED")
		return
	}

	model := r.PathValue("model")
	if model == "" {
		writeError(w, http.StatusBadRequest, "model is required", "MISSING_MODEL")
		return
	}

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	res, err := h.generations.Generate(r.Context(), who, model, generator.Request{
		Prompt:          req.Prompt,
		Width:           req.Width,
		Height:          req.Height,
		NumOutputs:      req.NumOutputs,
		ReferenceImages: req.ReferenceImages,
	})
	if err != nil {
		h.writeGenerateError(w, r, model, err)
		return
	}

	writeJSON(w, http.StatusOK, GenerateResponse{
		Success:     true,
		ID:          res.ID,
		Images:      res.Images,
		CreditsUsed: res.CreditsUsed,
		Parameters:  res.Parameters,
		Timestamp:   res.Timestamp,
	})
}

// Credits handles GET /api/credits requests.
func (h *APIHandlers) Credits(w http.ResponseWriter, r *http.Request) {
	who, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required", "UNAUTHORIZED")
		return
	}

	balance, err := h.accounts.Balance(r.Context(), who.AgencyID)
	if err != nil {
		h.logger.Error("failed to read balance",
			slog.String("agency_id", who.AgencyID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read balance", "CREDITS_FETCH_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, CreditsResponse{AgencyID: who.AgencyID, Balance: balance})
}

// ListGenerations handles GET /api/generations requests. The optional limit query
// parameter caps the number of records, newest first.
func (h *APIHandlers) ListGenerations(w http.ResponseWriter, r *http.Request) {
	who, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required", "UNAUTHORIZED")
		return
	}

	limit := DefaultGenerationsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", "INVALID_LIMIT")
			return
		}
		limit = min(n, MaxGenerationsLimit)
	}

	records, err := h.accounts.ListGenerations(r.Context(), who.AgencyID, limit)
	if err != nil {
		h.logger.Error("failed to list generations",
			slog.String("agency_id", who.AgencyID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list generations", "GENERATIONS_FETCH_FAILED")
		return
	}
	if records == nil {
		records = []*store.Generation{}
	}
	writeJSON(w, http.StatusOK, GenerationsResponse{Generations: records})
}

// GrantCredits handles POST /api/admin/credits requests.
func (h *APIHandlers) GrantCredits(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	balance, err := h.accounts.Grant(r.Context(), req.AgencyID, req.Amount)
	if err != nil {
		h.logger.Error("failed to grant credits",
			slog.String("agency_id", req.AgencyID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to grant credits", "GRANT_FAILED")
		return
	}

	h.logger.Info("credits granted",
		slog.String("agency_id", req.AgencyID),
		slog.Int64("amount", req.Amount),
		slog.Int64("balance", balance),
	)
	writeJSON(w, http.StatusOK, CreditsResponse{AgencyID: req.AgencyID, Balance: balance})
}

func (h *APIHandlers) writeGenerateError(w http.ResponseWriter, r *http.Request, model string, err error) {
	switch {
	case errors.Is(err, generator.ErrRateLimited):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, rateLimitedMessage, "RATE_LIMITED")
	case errors.Is(err, generate.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "insufficient credits", "INSUFFICIENT_CREDITS")
	case errors.Is(err, generator.ErrUnknownModel):
		writeError(w, http.StatusNotFound, "unknown model: "+model, "UNKNOWN_MODEL")
	case generate.IsInvalid(err):
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
	default:
		h.logger.Error("generation failed",
			slog.String("model", model),
			slog.String("request_id", RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "generation failed: "+err.Error(), "GENERATION_FAILED")
	}
}
