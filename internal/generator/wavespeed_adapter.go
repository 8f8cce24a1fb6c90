package generator

import (
	"context"

	"github.com/maauso/genrelay/internal/wavespeed"
)

// WaveSpeedClient is the subset of the WaveSpeed client the adapter uses.
type WaveSpeedClient interface {
	Generate(ctx context.Context, model string, req wavespeed.SubmitRequest) ([]string, error)
}

// WaveSpeedAdapter adapts the WaveSpeed client to the Generator interface.
type WaveSpeedAdapter struct {
	client WaveSpeedClient
}

// NewWaveSpeedAdapter creates a new WaveSpeed generator adapter.
func NewWaveSpeedAdapter(client WaveSpeedClient) *WaveSpeedAdapter {
	return &WaveSpeedAdapter{client: client}
}

// Generate runs req against the model's WaveSpeed path. Batch models receive the
// output count as max_images; other models are called once per output.
func (a *WaveSpeedAdapter) Generate(ctx context.Context, model Model, req Request) ([]string, error) {
	req = req.WithDefaults()
	sr := wavespeed.SubmitRequest{
		Prompt: req.Prompt,
		Size:   wavespeed.Size(req.Width, req.Height),
		Images: req.ReferenceImages,
	}

	if model.Batch {
		sr.MaxImages = req.NumOutputs
		outputs, err := a.client.Generate(ctx, model.Target, sr)
		return outputs, rateLimited(err, wavespeed.ErrRateLimited)
	}

	var outputs []string
	for i := 0; i < req.NumOutputs; i++ {
		out, err := a.client.Generate(ctx, model.Target, sr)
		if err != nil {
			return nil, rateLimited(err, wavespeed.ErrRateLimited)
		}
		outputs = append(outputs, out...)
	}
	return outputs, nil
}

// Compile-time check that WaveSpeedAdapter implements Generator.
var _ Generator = (*WaveSpeedAdapter)(nil)
