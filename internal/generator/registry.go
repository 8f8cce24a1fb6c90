package generator

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Provider names a downstream generation service.
type Provider string

// Supported providers.
const (
	ProviderWaveSpeed Provider = "wavespeed"
	ProviderRunPod    Provider = "runpod"
)

const defaultMaxOutputs = 4

// Model describes one public model name.
type Model struct {
	Name            string   // route name, e.g. seedream-v4
	Provider        Provider // which Generator runs it
	Target          string   // WaveSpeed model path or ComfyUI checkpoint
	CreditsPerImage int      // credits debited per produced image
	NeedsReference  bool     // edit models require reference images
	Batch           bool     // the provider returns all outputs from one call
	MaxOutputs      int      // zero means the default of 4
}

func (m Model) maxOutputs() int {
	if m.MaxOutputs > 0 {
		return m.MaxOutputs
	}
	return defaultMaxOutputs
}

// Cost returns the credits charged for n outputs.
func (m Model) Cost(n int) int64 {
	return int64(m.CreditsPerImage) * int64(n)
}

// DefaultModels returns the built-in catalogue.
func DefaultModels(checkpoint string, creditsPerImage int) []Model {
	return []Model{
		{Name: "seedream-v4", Provider: ProviderWaveSpeed, Target: "bytedance/seedream-v4", CreditsPerImage: creditsPerImage},
		{Name: "seedream-v4-edit", Provider: ProviderWaveSpeed, Target: "bytedance/seedream-v4/edit", CreditsPerImage: creditsPerImage, NeedsReference: true},
		{Name: "seedream-v4-sequential", Provider: ProviderWaveSpeed, Target: "bytedance/seedream-v4/sequential", CreditsPerImage: creditsPerImage, Batch: true, MaxOutputs: 15},
		{Name: "sdxl", Provider: ProviderRunPod, Target: checkpoint, CreditsPerImage: creditsPerImage, Batch: true},
	}
}

// Registry maps model names to models and providers to generators.
type Registry struct {
	mu         sync.RWMutex
	models     map[string]Model
	generators map[Provider]Generator
}

// NewRegistry creates a registry holding models.
func NewRegistry(models ...Model) *Registry {
	r := &Registry{
		models:     make(map[string]Model),
		generators: make(map[Provider]Generator),
	}
	for _, m := range models {
		r.Register(m)
	}
	return r
}

// Register adds or replaces a model.
func (r *Registry) Register(m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.Name] = m
}

// Use sets the generator serving provider.
func (r *Registry) Use(p Provider, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[p] = g
}

// Lookup returns the model registered under name.
func (r *Registry) Lookup(name string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return Model{}, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return m, nil
}

// Models lists registered models sorted by name.
func (r *Registry) Models() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Generate runs req against model through the model's provider.
func (r *Registry) Generate(ctx context.Context, model Model, req Request) ([]string, error) {
	r.mu.RLock()
	g, ok := r.generators[model.Provider]
	r.mu.RUnlock()
	if !ok || g == nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, model.Provider)
	}
	return g.Generate(ctx, model, req)
}

// Compile-time check that Registry implements Generator.
var _ Generator = (*Registry)(nil)
