package generator

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
)

// DefaultCheckpoint is the checkpoint used when none is configured.
const DefaultCheckpoint = "sd_xl_base_1.0.safetensors"

const defaultNegativePrompt = "blurry, low quality, watermark, text"

// WorkflowParams fills the text-to-image workflow template.
type WorkflowParams struct {
	Checkpoint     string
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Batch          int
	Seed           int64
	Steps          int
	CFG            float64
}

type workflowNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// link references output slot of another node.
func link(node string, slot int) []any {
	return []any{node, slot}
}

// Txt2ImgWorkflow renders a ComfyUI API-format text-to-image workflow.
func Txt2ImgWorkflow(p WorkflowParams) (json.RawMessage, error) {
	if p.Checkpoint == "" {
		p.Checkpoint = DefaultCheckpoint
	}
	if p.NegativePrompt == "" {
		p.NegativePrompt = defaultNegativePrompt
	}
	if p.Width <= 0 {
		p.Width = DefaultWidth
	}
	if p.Height <= 0 {
		p.Height = DefaultHeight
	}
	if p.Batch <= 0 {
		p.Batch = 1
	}
	if p.Seed == 0 {
		p.Seed = rand.Int64N(1 << 48)
	}
	if p.Steps <= 0 {
		p.Steps = 25
	}
	if p.CFG <= 0 {
		p.CFG = 7
	}

	wf := map[string]workflowNode{
		"3": {ClassType: "KSampler", Inputs: map[string]any{
			"seed":         p.Seed,
			"steps":        p.Steps,
			"cfg":          p.CFG,
			"sampler_name": "euler",
			"scheduler":    "normal",
			"denoise":      1,
			"model":        link("4", 0),
			"positive":     link("6", 0),
			"negative":     link("7", 0),
			"latent_image": link("5", 0),
		}},
		"4": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{
			"ckpt_name": p.Checkpoint,
		}},
		"5": {ClassType: "EmptyLatentImage", Inputs: map[string]any{
			"width":      p.Width,
			"height":     p.Height,
			"batch_size": p.Batch,
		}},
		"6": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": p.Prompt,
			"clip": link("4", 1),
		}},
		"7": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": p.NegativePrompt,
			"clip": link("4", 1),
		}},
		"8": {ClassType: "VAEDecode", Inputs: map[string]any{
			"samples": link("3", 0),
			"vae":     link("4", 2),
		}},
		"9": {ClassType: "SaveImage", Inputs: map[string]any{
			"filename_prefix": "genrelay",
			"images":          link("8", 0),
		}},
	}

	raw, err := json.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("generator: marshal workflow: %w", err)
	}
	return raw, nil
}
