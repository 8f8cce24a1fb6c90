package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maauso/genrelay/internal/gate"
	"github.com/maauso/genrelay/internal/retry"
)

// Static errors for ComfyUI client operations.
var (
	// ErrBaseURLRequired is returned when no engine URL is configured.
	ErrBaseURLRequired = errors.New("comfy: base URL is required")
	// ErrWorkflowRequired is returned when submitting an empty workflow.
	ErrWorkflowRequired = errors.New("comfy: workflow is required")
	// ErrNoPromptID is returned when /prompt answers without a prompt id.
	ErrNoPromptID = errors.New("comfy: submit failed: no prompt ID returned")
	// ErrRequestFailed is returned for non-2xx answers outside submission.
	ErrRequestFailed = errors.New("comfy: request failed")
)

// SubmitError carries the engine's rejection of a workflow so the facade can
// relay the original status and body.
type SubmitError struct {
	StatusCode int
	Body       json.RawMessage
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("comfy: submit rejected with status %d", e.StatusCode)
}

// Client talks to one ComfyUI instance.
type Client struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
	exec       *retry.Executor
	gate       *gate.Gate
	logger     *slog.Logger
}

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithClientID sets the client id shared by submissions and the event stream.
func WithClientID(id string) ClientOption {
	return func(cl *Client) {
		if id != "" {
			cl.clientID = id
		}
	}
}

// WithExecutor sets the retry executor wrapped around every request.
func WithExecutor(e *retry.Executor) ClientOption {
	return func(cl *Client) {
		if e != nil {
			cl.exec = e
		}
	}
}

// WithGate routes submissions through a serial request gate.
func WithGate(g *gate.Gate) ClientOption {
	return func(cl *Client) {
		cl.gate = g
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// NewClient creates a ComfyUI client for baseURL (for example http://127.0.0.1:8188).
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("comfy: invalid base URL: %w", err)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   uuid.NewString(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.exec == nil {
		c.exec = retry.New(retry.DefaultPolicy(), retry.WithName("comfyui"), retry.WithLogger(c.logger))
	}
	return c, nil
}

// URL returns the engine base URL.
func (c *Client) URL() string {
	return c.baseURL
}

// ClientID returns the id the engine uses to address event-stream messages to us.
func (c *Client) ClientID() string {
	return c.clientID
}

// Submit queues workflow through POST /prompt and returns the prompt id.
// A rejection by the engine is returned as *SubmitError.
func (c *Client) Submit(ctx context.Context, workflow json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(workflow)) == 0 {
		return "", ErrWorkflowRequired
	}

	body, err := json.Marshal(promptRequest{Prompt: workflow, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("comfy: marshal request: %w", err)
	}

	send := func(ctx context.Context) (*http.Response, error) {
		return c.do(ctx, http.MethodPost, "/prompt", body)
	}

	var resp *http.Response
	if c.gate != nil {
		resp, err = gate.Do(ctx, c.gate, func(ctx context.Context) (*http.Response, error) {
			return c.exec.Do(ctx, send)
		})
	} else {
		resp, err = c.exec.Do(ctx, send)
	}
	if err != nil {
		return "", fmt.Errorf("comfy: submit: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("comfy: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &SubmitError{StatusCode: resp.StatusCode, Body: asJSON(respBody)}
	}

	var pr promptResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return "", fmt.Errorf("comfy: unmarshal response: %w", err)
	}
	if pr.PromptID == "" {
		return "", ErrNoPromptID
	}

	c.logger.Debug("prompt queued",
		slog.String("prompt_id", pr.PromptID),
		slog.Int("number", pr.Number),
	)
	return pr.PromptID, nil
}

// History returns the raw body of GET /history/{promptID}.
func (c *Client) History(ctx context.Context, promptID string) (json.RawMessage, error) {
	body, err := c.get(ctx, "/history/"+url.PathEscape(promptID))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// Queue returns the engine's pending and running counts from GET /queue.
func (c *Client) Queue(ctx context.Context) (QueueStatus, error) {
	body, err := c.get(ctx, "/queue")
	if err != nil {
		return QueueStatus{}, err
	}
	var q queueResponse
	if err := json.Unmarshal(body, &q); err != nil {
		return QueueStatus{}, fmt.Errorf("comfy: unmarshal queue: %w", err)
	}
	return QueueStatus{Pending: len(q.Pending), Running: len(q.Running)}, nil
}

// View downloads a produced file through GET /view.
func (c *Client) View(ctx context.Context, ref ImageRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)
	return c.get(ctx, "/view?"+q.Encode())
}

// get issues one read request. Reads are not retried: the poller and the health
// check bound their own attempts, and a backoff here would hide an engine outage.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("comfy: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, truncate(body))
	}
	return body, nil
}

// do performs a single HTTP request.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("comfy: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("comfy: request failed: %w", err)
	}
	return resp, nil
}

// asJSON returns body when it is valid JSON, otherwise body quoted as a JSON string.
func asJSON(body []byte) json.RawMessage {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

func truncate(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
