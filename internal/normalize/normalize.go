// Package normalize turns the heterogeneous response bodies of image engines into
// an ordered list of output references (URLs or data URLs).
//
// Each recognized response shape is a variant tried in a fixed priority order; the
// first variant that matches decides the result and later variants are never merged
// in. Adding support for a newly observed shape means adding one matcher to shapes.
package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoOutputs is returned when no shape matched or the matched shape held no items.
	ErrNoOutputs = errors.New("no images were generated")
	// ErrInvalidPayload is returned when the body is not a JSON object.
	ErrInvalidPayload = errors.New("normalize: response is not a JSON object")
	// ErrAsyncUnsupported is returned by Resolve when an async acknowledgment arrives
	// and no follow function was supplied.
	ErrAsyncUnsupported = errors.New("normalize: async response without a poller")
	// ErrTooManyHops is returned when async acknowledgments keep chaining.
	ErrTooManyHops = errors.New("normalize: too many async hops")
)

// DefaultMime is assumed for base64 payloads that do not declare a type.
const DefaultMime = "image/png"

// maxHops bounds how many async acknowledgments Resolve follows.
const maxHops = 3

// Shape identifies which response variant matched.
type Shape int

const (
	ShapeNone Shape = iota
	// ShapeAsyncEnvelope is {data:{id, status:<non-terminal>}} without outputs.
	ShapeAsyncEnvelope
	// ShapeDataOutputs is {data:{outputs:[...]}}.
	ShapeDataOutputs
	// ShapeDataInline is {data:{url}} or {data:{base64}}.
	ShapeDataInline
	// ShapeOutputs is {outputs:[...]}.
	ShapeOutputs
	// ShapeOutput is {output: ...}.
	ShapeOutput
	// ShapeAsyncID is {id} or {prompt_id} without data.
	ShapeAsyncID
)

func (s Shape) String() string {
	switch s {
	case ShapeAsyncEnvelope:
		return "async_envelope"
	case ShapeDataOutputs:
		return "data.outputs"
	case ShapeDataInline:
		return "data.inline"
	case ShapeOutputs:
		return "outputs"
	case ShapeOutput:
		return "output"
	case ShapeAsyncID:
		return "async_id"
	default:
		return "none"
	}
}

// Result is the outcome of normalizing one response body.
type Result struct {
	Shape Shape
	// Outputs holds the references in response order. Empty for async results.
	Outputs []string
	// AsyncID is the downstream handle to poll when the response was an acknowledgment.
	AsyncID string
}

// Async reports whether the response was an acknowledgment rather than a result.
func (r Result) Async() bool {
	return r.AsyncID != ""
}

// document is the loosely typed top level of a response body.
type document struct {
	Data     json.RawMessage `json:"data"`
	Outputs  json.RawMessage `json:"outputs"`
	Output   json.RawMessage `json:"output"`
	ID       json.RawMessage `json:"id"`
	PromptID json.RawMessage `json:"prompt_id"`
	mimeFields

	data *envelope
}

type envelope struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Outputs json.RawMessage `json:"outputs"`
	URL     string          `json:"url"`
	Base64  string          `json:"base64"`
	Error   string          `json:"error"`
	mimeFields
}

type mimeFields struct {
	MimeType     string `json:"mime_type"`
	ContentType  string `json:"content_type"`
	OutputFormat string `json:"output_format"`
}

// mime returns the declared media type, or fallback when none is declared.
func (m mimeFields) mime(fallback string) string {
	switch {
	case m.MimeType != "":
		return m.MimeType
	case m.ContentType != "":
		return m.ContentType
	case m.OutputFormat != "":
		return mimeFromFormat(m.OutputFormat)
	default:
		return fallback
	}
}

type matcher struct {
	shape Shape
	match func(doc *document) (Result, bool, error)
}

// shapes is the fixed priority order. First match wins.
var shapes = []matcher{
	{ShapeAsyncEnvelope, matchAsyncEnvelope},
	{ShapeDataOutputs, matchDataOutputs},
	{ShapeDataInline, matchDataInline},
	{ShapeOutputs, matchOutputs},
	{ShapeOutput, matchOutput},
	{ShapeAsyncID, matchAsyncID},
}

// Normalize classifies raw and extracts its outputs. It is a pure function.
func Normalize(raw []byte) (Result, error) {
	doc, err := decode(raw)
	if err != nil {
		return Result{}, err
	}

	for _, m := range shapes {
		res, ok, err := m.match(doc)
		if err != nil {
			return Result{Shape: m.shape}, err
		}
		if !ok {
			continue
		}
		res.Shape = m.shape
		if !res.Async() && len(res.Outputs) == 0 {
			return res, ErrNoOutputs
		}
		return res, nil
	}
	return Result{}, ErrNoOutputs
}

// FollowFunc polls an async handle to completion and returns the final body.
type FollowFunc func(ctx context.Context, id string) (json.RawMessage, error)

// Resolve normalizes raw, following async acknowledgments through follow and
// normalizing each final body with the same shape rules.
func Resolve(ctx context.Context, raw []byte, follow FollowFunc) ([]string, error) {
	for hop := 0; hop <= maxHops; hop++ {
		res, err := Normalize(raw)
		if err != nil {
			return nil, err
		}
		if !res.Async() {
			return res.Outputs, nil
		}
		if follow == nil {
			return nil, ErrAsyncUnsupported
		}
		next, err := follow(ctx, res.AsyncID)
		if err != nil {
			return nil, err
		}
		raw = next
	}
	return nil, ErrTooManyHops
}

// HasOutputs reports whether raw already carries output data under any
// recognized shape, regardless of status markers.
func HasOutputs(raw []byte) bool {
	res, err := Normalize(raw)
	return err == nil && !res.Async() && len(res.Outputs) > 0
}

func decode(raw []byte) (*document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrInvalidPayload
	}
	var doc document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if present(doc.Data) {
		var env envelope
		if err := json.Unmarshal(doc.Data, &env); err == nil {
			doc.data = &env
		}
	}
	return &doc, nil
}

var pendingStatuses = map[string]bool{
	"created":     true,
	"pending":     true,
	"queued":      true,
	"processing":  true,
	"in_progress": true,
	"running":     true,
}

func matchAsyncEnvelope(doc *document) (Result, bool, error) {
	d := doc.data
	if d == nil || d.ID == "" || !pendingStatuses[strings.ToLower(d.Status)] {
		return Result{}, false, nil
	}
	if len(items(d.Outputs, d.mime(doc.mime(DefaultMime)))) > 0 {
		return Result{}, false, nil
	}
	return Result{AsyncID: d.ID}, true, nil
}

func matchDataOutputs(doc *document) (Result, bool, error) {
	d := doc.data
	if d == nil || !present(d.Outputs) {
		return Result{}, false, nil
	}
	outs := items(d.Outputs, d.mime(doc.mime(DefaultMime)))
	if len(outs) == 0 && d.Error != "" {
		return Result{}, false, fmt.Errorf("%w: %s", ErrNoOutputs, d.Error)
	}
	return Result{Outputs: outs}, true, nil
}

func matchDataInline(doc *document) (Result, bool, error) {
	d := doc.data
	if d == nil {
		return Result{}, false, nil
	}
	mime := d.mime(doc.mime(DefaultMime))
	if d.URL != "" {
		if ref, ok := reference(d.URL, mime); ok {
			return Result{Outputs: []string{ref}}, true, nil
		}
	}
	if d.Base64 != "" {
		if ref, ok := inline(d.Base64, mime); ok {
			return Result{Outputs: []string{ref}}, true, nil
		}
	}
	return Result{}, false, nil
}

func matchOutputs(doc *document) (Result, bool, error) {
	if !present(doc.Outputs) {
		return Result{}, false, nil
	}
	return Result{Outputs: items(doc.Outputs, doc.mime(DefaultMime))}, true, nil
}

func matchOutput(doc *document) (Result, bool, error) {
	if !present(doc.Output) {
		return Result{}, false, nil
	}
	return Result{Outputs: items(doc.Output, doc.mime(DefaultMime))}, true, nil
}

func matchAsyncID(doc *document) (Result, bool, error) {
	if present(doc.Data) {
		return Result{}, false, nil
	}
	for _, raw := range []json.RawMessage{doc.ID, doc.PromptID} {
		if id := scalar(raw); id != "" {
			return Result{AsyncID: id}, true, nil
		}
	}
	return Result{}, false, nil
}

// item is one entry of an outputs list when it is an object.
type item struct {
	URL    string   `json:"url"`
	Base64 string   `json:"base64"`
	Images []string `json:"images"`
	mimeFields
}

// items flattens raw (an array, a single string, or a single object) into references.
func items(raw json.RawMessage, mime string) []string {
	if !present(raw) {
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		list = []json.RawMessage{raw}
	}

	out := make([]string, 0, len(list))
	for _, entry := range list {
		var s string
		if err := json.Unmarshal(entry, &s); err == nil {
			if ref, ok := reference(s, mime); ok {
				out = append(out, ref)
			}
			continue
		}

		var it item
		if err := json.Unmarshal(entry, &it); err != nil {
			continue
		}
		itemMime := it.mime(mime)
		switch {
		case it.URL != "":
			if ref, ok := reference(it.URL, itemMime); ok {
				out = append(out, ref)
			}
		case it.Base64 != "":
			if ref, ok := inline(it.Base64, itemMime); ok {
				out = append(out, ref)
			}
		case len(it.Images) > 0:
			for _, img := range it.Images {
				if ref, ok := reference(img, itemMime); ok {
					out = append(out, ref)
				}
			}
		}
	}
	return out
}

// reference classifies a bare string: http(s) URLs and data URLs are kept, anything
// else is treated as base64 and wrapped into a data URL.
func reference(s, mime string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if strings.HasPrefix(s, "http") || strings.HasPrefix(s, "data:") {
		return s, true
	}
	return inline(s, mime)
}

func inline(b64, mime string) (string, bool) {
	b64 = strings.TrimSpace(b64)
	if b64 == "" {
		return "", false
	}
	if strings.HasPrefix(b64, "data:") {
		return b64, true
	}
	return "data:" + mime + ";base64," + b64, true
}

// TrimDataURL returns the base64 payload of a data URL. Other references are
// returned unchanged.
func TrimDataURL(ref string) string {
	if !strings.HasPrefix(ref, "data:") {
		return ref
	}
	if i := strings.Index(ref, ";base64,"); i >= 0 {
		return ref[i+len(";base64,"):]
	}
	return ref
}

func mimeFromFormat(format string) string {
	f := strings.ToLower(strings.TrimPrefix(format, "."))
	switch f {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png", "webp", "gif":
		return "image/" + f
	case "mp4", "webm":
		return "video/" + f
	default:
		if strings.Contains(f, "/") {
			return f
		}
		return DefaultMime
	}
}

func present(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && !bytes.Equal(t, []byte("null"))
}

// scalar renders a JSON string or number as text.
func scalar(raw json.RawMessage) string {
	if !present(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
