// Package generate implements the embedded generation route: credit check,
// queued-retry-poll generation through the model registry, debit, gallery
// persistence and the generation record.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maauso/genrelay/internal/generator"
	"github.com/maauso/genrelay/internal/metrics"
	"github.com/maauso/genrelay/internal/storage"
	"github.com/maauso/genrelay/internal/store"
	"github.com/maauso/genrelay/internal/tenant"
)

// ErrInsufficientCredits is returned when the agency cannot pay for the request.
var ErrInsufficientCredits = store.ErrInsufficientCredits

// Outcome labels for the generations metric.
const (
	outcomeSuccess      = "success"
	outcomeRateLimited  = "rate_limited"
	outcomeInsufficient = "insufficient_credits"
	outcomeInvalid      = "invalid"
	outcomeError        = "error"
)

// Catalog resolves public model names.
type Catalog interface {
	Lookup(name string) (generator.Model, error)
}

// Credits is the credit ledger collaborator.
type Credits interface {
	Balance(ctx context.Context, agencyID string) (int64, error)
	Debit(ctx context.Context, agencyID string, amount int64) (int64, error)
}

// Records persists generation records.
type Records interface {
	InsertGeneration(ctx context.Context, g *store.Generation) error
}

// Parameters echoes the effective request back to the caller.
type Parameters struct {
	Model           string `json:"model"`
	Prompt          string `json:"prompt"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	NumOutputs      int    `json:"numOutputs"`
	ReferenceImages int    `json:"referenceImages,omitempty"`
}

func (p Parameters) asMap() map[string]any {
	m := map[string]any{
		"model":      p.Model,
		"width":      p.Width,
		"height":     p.Height,
		"numOutputs": p.NumOutputs,
	}
	if p.ReferenceImages > 0 {
		m["referenceImages"] = p.ReferenceImages
	}
	return m
}

// Result is the outcome of a successful generation.
type Result struct {
	ID          string
	Images      []string
	CreditsUsed int64
	Parameters  Parameters
	Timestamp   time.Time
}

// Service runs generations for authenticated tenants.
type Service struct {
	catalog   Catalog
	generator generator.Generator
	credits   Credits
	records   Records
	gallery   storage.Storage
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithGallery stores inline outputs in s and returns their URLs instead.
func WithGallery(s storage.Storage) Option {
	return func(svc *Service) {
		svc.gallery = s
	}
}

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) {
		if now != nil {
			svc.now = now
		}
	}
}

// NewService creates a new Service.
func NewService(catalog Catalog, gen generator.Generator, credits Credits, records Records, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		catalog:   catalog,
		generator: gen,
		credits:   credits,
		records:   records,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate runs req against modelName on behalf of who.
func (s *Service) Generate(ctx context.Context, who tenant.Identity, modelName string, req generator.Request) (*Result, error) {
	timer := metrics.NewTimer()
	res, err := s.generate(ctx, who, modelName, req)
	metrics.Generations.WithLabelValues(modelName, outcome(err)).Inc()
	if err == nil {
		timer.ObserveDuration(metrics.GenerationDuration.WithLabelValues(modelName))
	}
	return res, err
}

func (s *Service) generate(ctx context.Context, who tenant.Identity, modelName string, req generator.Request) (*Result, error) {
	model, err := s.catalog.Lookup(modelName)
	if err != nil {
		return nil, err
	}

	req = req.WithDefaults()
	if err := model.Validate(req); err != nil {
		return nil, err
	}

	cost := model.Cost(req.NumOutputs)
	balance, err := s.credits.Balance(ctx, who.AgencyID)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if balance < cost {
		return nil, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientCredits, balance, cost)
	}

	log := s.logger.With(
		slog.String("agency_id", who.AgencyID),
		slog.String("user_id", who.UserID),
		slog.String("model", model.Name),
	)
	log.Info("generation started", slog.Int("num_outputs", req.NumOutputs))

	images, err := s.generator.Generate(ctx, model, req)
	if err != nil {
		log.Error("generation failed", slog.String("error", err.Error()))
		return nil, err
	}

	// Charge for what was produced; the provider may return fewer outputs than asked.
	used := model.Cost(len(images))
	if _, err := s.credits.Debit(ctx, who.AgencyID, used); err != nil {
		log.Error("credit debit failed",
			slog.Int64("amount", used),
			slog.String("error", err.Error()),
		)
	}

	id := uuid.NewString()
	if s.gallery != nil {
		saved, err := storage.SaveOutputs(ctx, s.gallery, who.AgencyID+"/"+id, images)
		if err != nil {
			log.Warn("gallery persistence failed", slog.String("error", err.Error()))
		} else {
			images = saved
		}
	}

	params := Parameters{
		Model:           model.Name,
		Prompt:          req.Prompt,
		Width:           req.Width,
		Height:          req.Height,
		NumOutputs:      req.NumOutputs,
		ReferenceImages: len(req.ReferenceImages),
	}
	now := s.now()

	record := &store.Generation{
		ID:          id,
		AgencyID:    who.AgencyID,
		UserID:      who.UserID,
		Model:       model.Name,
		Prompt:      req.Prompt,
		Parameters:  params.asMap(),
		Images:      images,
		CreditsUsed: used,
		CreatedAt:   now,
	}
	if err := s.records.InsertGeneration(ctx, record); err != nil {
		log.Error("failed to insert generation record",
			slog.String("generation_id", id),
			slog.String("error", err.Error()),
		)
	}

	log.Info("generation completed",
		slog.String("generation_id", id),
		slog.Int("images", len(images)),
		slog.Int64("credits_used", used),
	)

	return &Result{
		ID:          id,
		Images:      images,
		CreditsUsed: used,
		Parameters:  params,
		Timestamp:   now,
	}, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, generator.ErrRateLimited):
		return outcomeRateLimited
	case errors.Is(err, ErrInsufficientCredits):
		return outcomeInsufficient
	case IsInvalid(err):
		return outcomeInvalid
	default:
		return outcomeError
	}
}

// IsInvalid reports whether err rejects the request itself rather than its execution.
func IsInvalid(err error) bool {
	return errors.Is(err, generator.ErrPromptRequired) ||
		errors.Is(err, generator.ErrReferenceRequired) ||
		errors.Is(err, generator.ErrTooManyOutputs)
}
