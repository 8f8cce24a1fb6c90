package wavespeed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/genrelay/internal/gate"
	"github.com/maauso/genrelay/internal/poller"
	"github.com/maauso/genrelay/internal/retry"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, baseURL string, maxRetries int, opts ...ClientOption) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := []ClientOption{
		WithBaseURL(baseURL),
		WithLogger(logger),
		WithExecutor(retry.New(
			retry.Policy{MaxRetries: maxRetries, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
			retry.WithSleeper(noSleep),
			retry.WithLogger(logger),
		)),
		WithPoller(poller.New(poller.WithInterval(time.Millisecond), poller.WithMaxAttempts(5), poller.WithSleeper(noSleep))),
	}
	c, err := NewClient("test-key", append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient("")
	assert.ErrorIs(t, err, ErrAPIKeyRequired)
}

func TestParseStatus(t *testing.T) {
	tests := map[string]Status{
		"created":     StatusCreated,
		"Processing":  StatusProcessing,
		"in_progress": StatusProcessing,
		"succeeded":   StatusCompleted,
		"completed":   StatusCompleted,
		"error":       StatusFailed,
		"canceled":    StatusCancelled,
	}
	for raw, want := range tests {
		assert.Equal(t, want, ParseStatus(raw), raw)
	}
	assert.True(t, StatusCompleted.IsTerminal())
	assert.False(t, StatusQueued.IsTerminal())
}

func TestSize(t *testing.T) {
	assert.Equal(t, "1024*768", Size(1024, 768))
	assert.Equal(t, "", Size(0, 768))
}

func TestClient_Generate_Async(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v3/bytedance/seedream-v4":
			var req SubmitRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "a red fox", req.Prompt)
			assert.Equal(t, "1024*1024", req.Size)
			assert.False(t, req.EnableSyncMode)
			_, _ = w.Write([]byte(`{"code":200,"message":"success","data":{"id":"pred-1","status":"created","outputs":[]}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v3/predictions/pred-1/result":
			if atomic.AddInt32(&polls, 1) < 3 {
				_, _ = w.Write([]byte(`{"code":200,"data":{"id":"pred-1","status":"processing","outputs":[]}}`))
				return
			}
			_, _ = w.Write([]byte(`{"code":200,"data":{"id":"pred-1","status":"completed","outputs":["https://cdn.example.com/a.png"]}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 2)

	outputs, err := c.Generate(context.Background(), "bytedance/seedream-v4", SubmitRequest{Prompt: "a red fox", Size: Size(1024, 1024)})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example.com/a.png"}, outputs)
	assert.Equal(t, int32(3), atomic.LoadInt32(&polls))
}

func TestClient_Generate_SyncMode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.EnableSyncMode)
		_, _ = w.Write([]byte(`{"code":200,"data":{"id":"pred-1","status":"completed","outputs":["aGVsbG8="],"output_format":"jpeg"}}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 2, WithSyncMode(true))

	outputs, err := c.Generate(context.Background(), "bytedance/seedream-v4", SubmitRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, []string{"data:image/jpeg;base64,aGVsbG8="}, outputs)
}

func TestClient_Generate_RateLimitedAfterRetries(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":429,"message":"too many requests"}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3)

	_, err := c.Generate(context.Background(), "bytedance/seedream-v4", SubmitRequest{Prompt: "p"})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(4), atomic.LoadInt32(&attempts))
}

func TestClient_Generate_PredictionFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"code":200,"data":{"id":"pred-1","status":"queued"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":200,"data":{"id":"pred-1","status":"failed","error":"content policy violation"}}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 0)

	_, err := c.Generate(context.Background(), "bytedance/seedream-v4", SubmitRequest{Prompt: "p"})
	require.Error(t, err)

	var fe *poller.FailedError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "content policy violation", fe.Message)
}

func TestClient_Generate_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"data":{"id":"pred-1","status":"processing"}}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 0)

	_, err := c.Generate(context.Background(), "bytedance/seedream-v4", SubmitRequest{Prompt: "p"})
	assert.ErrorIs(t, err, poller.ErrTimeout)
}

func TestClient_Submit_BadRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":400,"message":"invalid size"}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3)

	_, err := c.Submit(context.Background(), "bytedance/seedream-v4", SubmitRequest{Prompt: "p"})
	require.ErrorIs(t, err, ErrRequestFailed)
	assert.Contains(t, err.Error(), "invalid size")
}

func TestClient_Submit_Validation(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", 0)

	_, err := c.Submit(context.Background(), "", SubmitRequest{Prompt: "p"})
	assert.ErrorIs(t, err, ErrModelRequired)

	_, err = c.Submit(context.Background(), "bytedance/seedream-v4", SubmitRequest{})
	assert.ErrorIs(t, err, ErrPromptRequired)

	_, err = c.Result(context.Background(), "")
	assert.ErrorIs(t, err, ErrPredictionIDRequired)
}

func TestClient_Submit_SerializedThroughGate(t *testing.T) {
	var inFlight, maxInFlight int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		_, _ = w.Write([]byte(`{"code":200,"data":{"id":"x","status":"completed","outputs":["https://x/a.png"]}}`))
	}))
	defer server.Close()

	g := gate.New("wavespeed", gate.WithMinDelay(time.Millisecond))
	c := newTestClient(t, server.URL, 0, WithGate(g))

	done := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := c.Generate(context.Background(), "m", SubmitRequest{Prompt: "p"})
			done <- err
		}()
	}
	for i := 0; i < 5; i++ {
		assert.NoError(t, <-done)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestClient_Snapshot(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantState   poller.State
		wantMessage string
		wantOutputs bool
	}{
		{name: "created", body: `{"data":{"id":"p","status":"created"}}`, wantState: poller.StatePending},
		{name: "completed", body: `{"data":{"id":"p","status":"completed","outputs":["https://x/a.png"]}}`, wantState: poller.StateCompleted, wantOutputs: true},
		{name: "failed", body: `{"data":{"id":"p","status":"failed","error":"nsfw"}}`, wantState: poller.StateFailed, wantMessage: "nsfw"},
		{name: "outputs while processing", body: `{"data":{"id":"p","status":"processing","outputs":["https://x/a.png"]}}`, wantState: poller.StatePending, wantOutputs: true},
		{name: "no status", body: `{"outputs":["https://x/a.png"]}`, wantState: poller.StateUnknown, wantOutputs: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, 0)

			snap, err := c.Snapshot(context.Background(), "p")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, snap.State)
			assert.Equal(t, tt.wantMessage, snap.Message)
			assert.Equal(t, tt.wantOutputs, snap.HasOutputs)
		})
	}
}
