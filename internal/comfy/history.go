package comfy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"path"
	"sort"
	"strings"

	"github.com/maauso/genrelay/internal/job"
	"github.com/maauso/genrelay/internal/normalize"
	"github.com/maauso/genrelay/internal/poller"
)

// Compile-time check that Client implements job.Engine.
var _ job.Engine = (*Client)(nil)

const genericExecutionFailure = "execution failed"

// Snapshot reads GET /history/{handle} and classifies it for the poller.
//
// An empty history object means the prompt is still queued or running. A history
// entry whose outputs are a node map has its files downloaded through /view and
// inlined as base64; any other entry is handed over as-is for normalization.
func (c *Client) Snapshot(ctx context.Context, handle string) (poller.Snapshot, error) {
	body, err := c.History(ctx, handle)
	if err != nil {
		return poller.Snapshot{}, err
	}

	entryRaw, found, err := pickEntry(body, handle)
	if err != nil {
		return poller.Snapshot{}, err
	}
	if !found {
		return poller.Snapshot{State: poller.StatePending}, nil
	}

	var entry historyEntry
	if err := json.Unmarshal(entryRaw, &entry); err != nil {
		return poller.Snapshot{}, fmt.Errorf("comfy: unmarshal history: %w", err)
	}

	if entry.Status != nil && entry.Status.StatusStr == "error" {
		return poller.Snapshot{State: poller.StateFailed, Message: entry.Status.failureMessage()}, nil
	}

	if isObject(entry.Outputs) {
		refs, err := collectFiles(entry.Outputs)
		if err != nil {
			return poller.Snapshot{}, err
		}
		payload, err := c.inline(ctx, refs)
		if err != nil {
			return poller.Snapshot{}, err
		}
		return poller.Snapshot{State: poller.StateCompleted, Payload: payload, HasOutputs: len(refs) > 0}, nil
	}

	snap := poller.Snapshot{
		State:      poller.StateUnknown,
		Payload:    entryRaw,
		HasOutputs: normalize.HasOutputs(entryRaw),
	}
	if entry.Status != nil && (entry.Status.Completed || entry.Status.StatusStr == "success") {
		snap.State = poller.StateCompleted
	}
	return snap, nil
}

// pickEntry unwraps {<handle>: entry}. A body without the handle key but with
// other content is treated as the entry itself.
func pickEntry(body json.RawMessage, handle string) (json.RawMessage, bool, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, false, fmt.Errorf("comfy: unmarshal history: %w", err)
	}
	if entry, ok := top[handle]; ok {
		return entry, true, nil
	}
	if len(top) == 0 {
		return nil, false, nil
	}
	if _, ok := top["outputs"]; ok {
		return body, true, nil
	}
	if _, ok := top["status"]; ok {
		return body, true, nil
	}
	// History for other prompts only.
	return nil, false, nil
}

// collectFiles walks the node map in node-id order so outputs are stable.
func collectFiles(outputs json.RawMessage) ([]ImageRef, error) {
	var nodes map[string]nodeOutput
	if err := json.Unmarshal(outputs, &nodes); err != nil {
		return nil, fmt.Errorf("comfy: unmarshal outputs: %w", err)
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var saved, temp []ImageRef
	for _, id := range ids {
		n := nodes[id]
		for _, group := range [][]ImageRef{n.Images, n.Gifs, n.Videos} {
			for _, ref := range group {
				if ref.Filename == "" {
					continue
				}
				if ref.Type == "temp" {
					temp = append(temp, ref)
				} else {
					saved = append(saved, ref)
				}
			}
		}
	}
	// Previews only count when nothing was saved.
	if len(saved) == 0 {
		return temp, nil
	}
	return saved, nil
}

func (c *Client) inline(ctx context.Context, refs []ImageRef) (json.RawMessage, error) {
	out := inlineOutput{Outputs: make([]inlineImage, 0, len(refs))}
	for _, ref := range refs {
		data, err := c.View(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("comfy: fetch %s: %w", ref.Filename, err)
		}
		out.Outputs = append(out.Outputs, inlineImage{
			Base64:   base64.StdEncoding.EncodeToString(data),
			MimeType: mimeFor(ref),
		})
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("comfy: marshal outputs: %w", err)
	}
	return payload, nil
}

// failureMessage extracts exception_message from an execution_error status message.
func (s *historyStatus) failureMessage() string {
	for _, raw := range s.Messages {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(pair[0], &kind); err != nil || kind != "execution_error" {
			continue
		}
		var e executionError
		if err := json.Unmarshal(pair[1], &e); err == nil && e.ExceptionMessage != "" {
			return strings.TrimSpace(e.ExceptionMessage)
		}
	}
	return genericExecutionFailure
}

func mimeFor(ref ImageRef) string {
	if ref.Format != "" && strings.Contains(ref.Format, "/") {
		return ref.Format
	}
	if t := mime.TypeByExtension(strings.ToLower(path.Ext(ref.Filename))); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return normalize.DefaultMime
}

func isObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '{'
}
