// Package comfy provides an HTTP client and an event-stream listener for a ComfyUI
// engine, plus the adapter that lets the job package drive it.
package comfy

import "encoding/json"

// promptRequest is the body of POST /prompt.
type promptRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id,omitempty"`
}

// promptResponse is the success body of POST /prompt.
type promptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// queueResponse is the body of GET /queue. Entries are opaque arrays.
type queueResponse struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// QueueStatus reports the engine's own queue.
type QueueStatus struct {
	Pending int
	Running int
}

// Depth returns pending plus running prompts.
func (q QueueStatus) Depth() int {
	return q.Pending + q.Running
}

// historyEntry is the per-prompt value of GET /history/{id}.
type historyEntry struct {
	Status  *historyStatus  `json:"status"`
	Outputs json.RawMessage `json:"outputs"`
}

type historyStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages"`
}

// nodeOutput is one node's entry in a history outputs map.
type nodeOutput struct {
	Images []ImageRef `json:"images"`
	Gifs   []ImageRef `json:"gifs"`
	Videos []ImageRef `json:"videos"`
}

// ImageRef identifies a file the engine can serve through /view.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	Format    string `json:"format,omitempty"`
}

// executionError is the payload of an execution_error message.
type executionError struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionType    string `json:"exception_type"`
	ExceptionMessage string `json:"exception_message"`
}

// inlineOutput is the normalizable payload built from fetched images.
type inlineOutput struct {
	Outputs []inlineImage `json:"outputs"`
}

type inlineImage struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mime_type"`
}
