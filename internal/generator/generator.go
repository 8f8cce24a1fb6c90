// Package generator provides the common interface for image generation providers.
// Both WaveSpeed and RunPod adapters implement this interface; the Registry maps
// public model names onto a provider and its downstream target.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/maauso/genrelay/internal/poller"
)

// Static errors for generation.
var (
	// ErrRateLimited is returned when the provider kept answering 429 after every retry.
	ErrRateLimited = errors.New("generator: rate limited, try again later")
	// ErrUnknownModel is returned when no model is registered under the requested name.
	ErrUnknownModel = errors.New("generator: unknown model")
	// ErrProviderUnavailable is returned when the model's provider is not configured.
	ErrProviderUnavailable = errors.New("generator: provider not configured")
	// ErrPromptRequired is returned when the request has no prompt.
	ErrPromptRequired = errors.New("generator: prompt is required")
	// ErrReferenceRequired is returned when an edit model is called without reference images.
	ErrReferenceRequired = errors.New("generator: model requires reference images")
	// ErrTooManyOutputs is returned when more outputs are requested than the model allows.
	ErrTooManyOutputs = errors.New("generator: too many outputs requested")
)

// Default request dimensions.
const (
	DefaultWidth      = 1024
	DefaultHeight     = 1024
	DefaultNumOutputs = 1
)

// Request contains the parameters of one generation.
type Request struct {
	Prompt          string
	Width           int
	Height          int
	NumOutputs      int
	ReferenceImages []string
}

// WithDefaults fills zero dimensions and output count.
func (r Request) WithDefaults() Request {
	if r.Width <= 0 {
		r.Width = DefaultWidth
	}
	if r.Height <= 0 {
		r.Height = DefaultHeight
	}
	if r.NumOutputs <= 0 {
		r.NumOutputs = DefaultNumOutputs
	}
	return r
}

// Generator defines the interface for image generation providers.
type Generator interface {
	// Generate runs req against model and returns the output references
	// (URLs or data URLs) in provider order.
	Generate(ctx context.Context, model Model, req Request) ([]string, error)
}

// rateLimited maps a provider's exhausted-retry error onto ErrRateLimited. A poll
// timeout that happened to see a 429 last stays a timeout.
func rateLimited(err, providerErr error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, providerErr) && !errors.Is(err, poller.ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return err
}

// Validate checks req against the model's constraints.
func (m Model) Validate(req Request) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return ErrPromptRequired
	}
	if m.NeedsReference && len(req.ReferenceImages) == 0 {
		return ErrReferenceRequired
	}
	if limit := m.maxOutputs(); req.NumOutputs > limit {
		return fmt.Errorf("%w: %d > %d", ErrTooManyOutputs, req.NumOutputs, limit)
	}
	return nil
}
