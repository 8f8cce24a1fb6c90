package generator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/maauso/genrelay/internal/normalize"
	"github.com/maauso/genrelay/internal/poller"
	"github.com/maauso/genrelay/internal/runpod"
)

// RunPodAdapter adapts a RunPod-style endpoint running ComfyUI to the Generator
// interface. It renders the text-to-image workflow, submits it, and polls the
// job until the outputs are ready.
type RunPodAdapter struct {
	client runpod.Client
	poller *poller.Poller
}

// NewRunPodAdapter creates a new RunPod generator adapter.
func NewRunPodAdapter(client runpod.Client, p *poller.Poller) *RunPodAdapter {
	if p == nil {
		p = poller.New()
	}
	return &RunPodAdapter{client: client, poller: p}
}

// runInput is the input block understood by ComfyUI workers and the wrapper.
type runInput struct {
	Workflow json.RawMessage `json:"workflow"`
}

// Generate runs req against the model's checkpoint.
func (a *RunPodAdapter) Generate(ctx context.Context, model Model, req Request) ([]string, error) {
	req = req.WithDefaults()

	wf, err := Txt2ImgWorkflow(WorkflowParams{
		Checkpoint: model.Target,
		Prompt:     req.Prompt,
		Width:      req.Width,
		Height:     req.Height,
		Batch:      req.NumOutputs,
	})
	if err != nil {
		return nil, err
	}

	jobID, err := a.client.Submit(ctx, runInput{Workflow: wf})
	if err != nil {
		return nil, rateLimited(fmt.Errorf("runpod adapter submit: %w", err), runpod.ErrRateLimited)
	}

	payload, err := a.poller.Run(ctx, jobID, a.snapshot)
	if err != nil {
		return nil, fmt.Errorf("runpod adapter poll: %w", err)
	}

	res, err := normalize.Normalize(payload)
	if err != nil {
		return nil, err
	}
	if res.Async() {
		return nil, normalize.ErrNoOutputs
	}
	return res.Outputs, nil
}

func (a *RunPodAdapter) snapshot(ctx context.Context, jobID string) (poller.Snapshot, error) {
	result, err := a.client.Status(ctx, jobID)
	if err != nil {
		return poller.Snapshot{}, err
	}
	return result.Snapshot(), nil
}

// Compile-time check that RunPodAdapter implements Generator.
var _ Generator = (*RunPodAdapter)(nil)
