package runpod

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
	"os"
	"strings"
	"time"

	"github.com/maauso/genrelay/internal/gate"
	"github.com/maauso/genrelay/internal/retry"
)

// DefaultBaseURL is the public RunPod serverless API.
const DefaultBaseURL = "https://api.runpod.ai/v2"

// Static errors for RunPod client operations.
var (
	// ErrEndpointIDRequired is returned when targeting RunPod without an endpoint ID.
	ErrEndpointIDRequired = errors.New("runpod: endpoint ID is required")
	// ErrAPIKeyNotSet is returned when targeting RunPod without RUNPOD_API_KEY.
	ErrAPIKeyNotSet = errors.New("runpod: RUNPOD_API_KEY environment variable is not set")
	// ErrInputRequired is returned when submitting a nil input.
	ErrInputRequired = errors.New("runpod: input is required")
	// ErrJobIDRequired is returned when the job ID is not provided.
	ErrJobIDRequired = errors.New("runpod: job ID is required")
	// ErrNoJobIDReturned is returned when the submit response contains no job ID.
	ErrNoJobIDReturned = errors.New("runpod: submit failed: no job ID returned")
	// ErrSubmitFailed is returned when the submit operation fails.
	ErrSubmitFailed = errors.New("runpod: submit failed")
	// ErrRateLimited is returned when the endpoint still answers 429 after every retry.
	ErrRateLimited = errors.New("runpod: rate limited")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("runpod: request failed")
)

// Client defines the interface for interacting with a RunPod-style endpoint.
type Client interface {
	// Submit queues input and returns the job ID.
	Submit(ctx context.Context, input any) (jobID string, err error)

	// Status queries a job once.
	Status(ctx context.Context, jobID string) (StatusResult, error)
}

// HTTPClient is the HTTP implementation of the RunPod Client interface.
type HTTPClient struct {
	apiKey     string
	endpointID string
	baseURL    string
	httpClient *http.Client
	exec       *retry.Executor
	gate       *gate.Gate
	logger     *slog.Logger
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ClientOption {
	return func(hc *HTTPClient) {
		hc.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithBaseURL sets a custom base URL, for example the ComfyUI wrapper.
func WithBaseURL(u string) ClientOption {
	return func(hc *HTTPClient) {
		if u != "" {
			hc.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithExecutor sets the retry executor wrapped around every request.
func WithExecutor(e *retry.Executor) ClientOption {
	return func(hc *HTTPClient) {
		if e != nil {
			hc.exec = e
		}
	}
}

// WithGate routes submissions through a serial request gate.
func WithGate(g *gate.Gate) ClientOption {
	return func(hc *HTTPClient) {
		hc.gate = g
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(hc *HTTPClient) {
		if l != nil {
			hc.logger = l
		}
	}
}

// NewClient creates a new RunPod HTTP client.
// Against the public RunPod API the endpoint ID and an API key (option or the
// RUNPOD_API_KEY environment variable) are required. A custom base URL such as
// the ComfyUI wrapper may be used without either.
func NewClient(endpointID string, opts ...ClientOption) (*HTTPClient, error) {
	c := &HTTPClient{
		endpointID: endpointID,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}

	// Apply options first to allow WithAPIKey to set the API key
	for _, opt := range opts {
		opt(c)
	}

	if c.apiKey == "" {
		c.apiKey = os.Getenv("RUNPOD_API_KEY")
	}

	if c.baseURL == DefaultBaseURL {
		if c.endpointID == "" {
			return nil, ErrEndpointIDRequired
		}
		if c.apiKey == "" {
			return nil, ErrAPIKeyNotSet
		}
	}

	if c.exec == nil {
		c.exec = retry.New(retry.DefaultPolicy(), retry.WithName("runpod"), retry.WithLogger(c.logger))
	}

	return c, nil
}

// Submit posts {"input": input} to /run and returns the job ID.
func (c *HTTPClient) Submit(ctx context.Context, input any) (string, error) {
	if input == nil {
		return "", ErrInputRequired
	}

	bodyBytes, err := json.Marshal(runRequest{Input: input})
	if err != nil {
		return "", fmt.Errorf("runpod: marshal request: %w", err)
	}

	call := func(ctx context.Context) ([]byte, error) {
		return c.call(ctx, http.MethodPost, c.endpoint("/run"), bodyBytes)
	}

	var respBody []byte
	if c.gate != nil {
		respBody, err = gate.Do(ctx, c.gate, call)
	} else {
		respBody, err = call(ctx)
	}
	if err != nil {
		return "", err
	}

	var resp runResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("runpod: unmarshal response: %w", err)
	}

	if resp.ID == "" {
		if resp.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrSubmitFailed, resp.Error)
		}
		return "", ErrNoJobIDReturned
	}

	c.logger.Debug("runpod job queued", slog.String("job_id", resp.ID), slog.String("status", resp.Status))
	return resp.ID, nil
}

// Status queries a job once.
func (c *HTTPClient) Status(ctx context.Context, jobID string) (StatusResult, error) {
	if jobID == "" {
		return StatusResult{}, ErrJobIDRequired
	}

	respBody, err := c.call(ctx, http.MethodGet, c.endpoint("/status/"+url.PathEscape(jobID)), nil)
	if err != nil {
		return StatusResult{}, err
	}

	var resp statusResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return StatusResult{}, fmt.Errorf("runpod: unmarshal response: %w", err)
	}

	return StatusResult{
		ID:     resp.ID,
		Status: Status(strings.ToUpper(resp.Status)),
		Error:  resp.Error,
		Raw:    json.RawMessage(respBody),
	}, nil
}

func (c *HTTPClient) endpoint(path string) string {
	if c.endpointID == "" {
		return c.baseURL + path
	}
	return c.baseURL + "/" + c.endpointID + path
}

// call runs one request through the retry executor and maps the final status.
func (c *HTTPClient) call(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	resp, err := c.exec.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		return c.doRequest(ctx, method, target, body)
	})
	if err != nil {
		return nil, fmt.Errorf("runpod: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("runpod: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, string(respBody))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// doRequest performs a single HTTP request.
func (c *HTTPClient) doRequest(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("runpod: create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runpod: request failed: %w", err)
	}
	return resp, nil
}
