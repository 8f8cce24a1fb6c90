package wavespeed

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

	"github.com/maauso/genrelay/internal/gate"
	"github.com/maauso/genrelay/internal/normalize"
	"github.com/maauso/genrelay/internal/poller"
	"github.com/maauso/genrelay/internal/retry"
)

// DefaultBaseURL is the public WaveSpeed API.
const DefaultBaseURL = "https://api.wavespeed.ai"

// Static errors for WaveSpeed client operations.
var (
	// ErrAPIKeyRequired is returned when no API key is configured.
	ErrAPIKeyRequired = errors.New("wavespeed: API key is required")
	// ErrModelRequired is returned when no model path is given.
	ErrModelRequired = errors.New("wavespeed: model is required")
	// ErrPromptRequired is returned when submitting without a prompt.
	ErrPromptRequired = errors.New("wavespeed: prompt is required")
	// ErrPredictionIDRequired is returned when no prediction id is given.
	ErrPredictionIDRequired = errors.New("wavespeed: prediction ID is required")
	// ErrRateLimited is returned when the API still answers 429 after every retry.
	ErrRateLimited = errors.New("wavespeed: rate limited")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("wavespeed: request failed")
)

// Client is the HTTP client for the WaveSpeed API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	exec       *retry.Executor
	gate       *gate.Gate
	poller     *poller.Poller
	syncMode   bool
	logger     *slog.Logger
}

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithExecutor sets the retry executor wrapped around every request.
func WithExecutor(e *retry.Executor) ClientOption {
	return func(c *Client) {
		if e != nil {
			c.exec = e
		}
	}
}

// WithGate routes submissions through a serial request gate.
func WithGate(g *gate.Gate) ClientOption {
	return func(c *Client) {
		c.gate = g
	}
}

// WithPoller sets the poller used to follow async predictions.
func WithPoller(p *poller.Poller) ClientOption {
	return func(c *Client) {
		if p != nil {
			c.poller = p
		}
	}
}

// WithSyncMode asks the API to answer submissions with the finished result.
func WithSyncMode(enabled bool) ClientOption {
	return func(c *Client) {
		c.syncMode = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a new WaveSpeed client.
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.exec == nil {
		c.exec = retry.New(retry.DefaultPolicy(), retry.WithName("wavespeed"), retry.WithLogger(c.logger))
	}
	if c.poller == nil {
		c.poller = poller.New(poller.WithLogger(c.logger))
	}
	return c, nil
}

// SyncMode reports whether submissions request synchronous results.
func (c *Client) SyncMode() bool {
	return c.syncMode
}

// Generate submits req to model and returns the output references, following an
// async acknowledgment through the poller when the API does not answer inline.
func (c *Client) Generate(ctx context.Context, model string, req SubmitRequest) ([]string, error) {
	req.EnableSyncMode = c.syncMode

	raw, err := c.Submit(ctx, model, req)
	if err != nil {
		return nil, err
	}

	outputs, err := normalize.Resolve(ctx, raw, func(ctx context.Context, id string) (json.RawMessage, error) {
		c.logger.Debug("polling prediction", slog.String("model", model), slog.String("prediction_id", id))
		return c.poller.Run(ctx, id, c.Snapshot)
	})
	if err != nil {
		return nil, fmt.Errorf("wavespeed: %s: %w", model, err)
	}
	return outputs, nil
}

// Submit posts req to /api/v3/{model} and returns the raw response body.
func (c *Client) Submit(ctx context.Context, model string, req SubmitRequest) (json.RawMessage, error) {
	model = strings.Trim(model, "/")
	if model == "" {
		return nil, ErrModelRequired
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrPromptRequired
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("wavespeed: marshal request: %w", err)
	}

	call := func(ctx context.Context) (json.RawMessage, error) {
		return c.call(ctx, http.MethodPost, "/api/v3/"+model, body)
	}
	if c.gate != nil {
		return gate.Do(ctx, c.gate, call)
	}
	return call(ctx)
}

// Result returns the raw body of GET /api/v3/predictions/{id}/result.
func (c *Client) Result(ctx context.Context, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, ErrPredictionIDRequired
	}
	return c.call(ctx, http.MethodGet, "/api/v3/predictions/"+url.PathEscape(id)+"/result", nil)
}

// Snapshot fetches a prediction result and classifies it for the poller.
func (c *Client) Snapshot(ctx context.Context, id string) (poller.Snapshot, error) {
	raw, err := c.Result(ctx, id)
	if err != nil {
		return poller.Snapshot{}, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return poller.Snapshot{}, fmt.Errorf("wavespeed: unmarshal result: %w", err)
	}

	snap := poller.Snapshot{Payload: raw, HasOutputs: normalize.HasOutputs(raw)}
	switch status := ParseStatus(env.Data.Status); status {
	case StatusCompleted:
		snap.State = poller.StateCompleted
	case StatusFailed, StatusCancelled:
		snap.State = poller.StateFailed
		snap.Message = env.Data.Error
	case "":
		snap.State = poller.StateUnknown
	default:
		snap.State = poller.StatePending
	}
	return snap, nil
}

// call runs one request through the retry executor and maps the final status.
func (c *Client) call(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	resp, err := c.exec.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		return c.do(ctx, method, path, body)
	})
	if err != nil {
		return nil, fmt.Errorf("wavespeed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("wavespeed: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, truncate(respBody))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, errorMessage(respBody))
	}
	return json.RawMessage(respBody), nil
}

// do performs a single HTTP request.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("wavespeed: create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wavespeed: request failed: %w", err)
	}
	return resp, nil
}

// errorMessage prefers the API's own message over the raw body.
func errorMessage(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Data.Error != "" {
			return env.Data.Error
		}
		if env.Message != "" {
			return env.Message
		}
	}
	return truncate(body)
}

func truncate(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
