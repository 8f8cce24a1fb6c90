package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/genrelay/internal/comfy"
	"github.com/maauso/genrelay/internal/config"
	"github.com/maauso/genrelay/internal/generator"
	"github.com/maauso/genrelay/internal/job"
	"github.com/maauso/genrelay/internal/tenant"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:                   8080,
		AllowedOrigins:         []string{"*"},
		EventsReconnectInitial: time.Millisecond,
		EventsReconnectMax:     time.Millisecond,
		JobRetention:           time.Hour,
		JobSweepInterval:       time.Minute,
		WaveSpeedBaseURL:       "https://api.wavespeed.ai",
		RunPodBaseURL:          config.DefaultRunPodBaseURL,
		ComfyCheckpoint:        generator.DefaultCheckpoint,
		RetryMaxRetries:        0,
		RetryInitialBackoff:    time.Millisecond,
		RetryMaxBackoff:        time.Millisecond,
		GateMinDelay:           0,
		PollInterval:           time.Millisecond,
		PollMaxAttempts:        10,
		CreditsPerImage:        1,
		InitialCredits:         5,
		DataDir:                t.TempDir(),
	}
}

func TestNewAPI_WaveSpeed(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/bytedance/seedream-v4", r.URL.Path)
		assert.Equal(t, "Bearer ws-key", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"code":200,"data":{"id":"p1","status":"completed","outputs":["https://cdn.example.com/p1.png"]}}`)
	}))
	defer downstream.Close()

	cfg := testConfig(t)
	cfg.WaveSpeedAPIKey = "ws-key"
	cfg.WaveSpeedBaseURL = downstream.URL

	a, err := NewAPI(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	req := httptest.NewRequest(http.MethodPost, "/api/generate/seedream-v4", strings.NewReader(`{"prompt":"a quiet harbour"}`))
	req.Header.Set(tenant.HeaderAgencyID, "agency-1")
	req.Header.Set(tenant.HeaderUserID, "user-1")
	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Images      []string `json:"images"`
		CreditsUsed int64    `json:"creditsUsed"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, []string{"https://cdn.example.com/p1.png"}, body.Images)
	assert.Equal(t, int64(1), body.CreditsUsed)

	balance, err := a.Store.Balance(context.Background(), "agency-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)
}

func TestNewAPI_ProviderNotConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.WaveSpeedAPIKey = "ws-key"

	a, err := NewAPI(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	// sdxl runs on RunPod, which has no endpoint in this configuration.
	_, err = a.Registry.Generate(context.Background(), generator.Model{Name: "sdxl", Provider: generator.ProviderRunPod}, generator.Request{Prompt: "x"})
	assert.ErrorIs(t, err, generator.ErrProviderUnavailable)
}

func TestNewAPI_LocalGallery(t *testing.T) {
	cfg := testConfig(t)
	cfg.RunPodBaseURL = "http://wrapper.internal:8080"
	cfg.GalleryEnabled = true
	cfg.GalleryBaseURL = "https://gallery.example.com"

	a, err := NewAPI(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	assert.DirExists(t, cfg.DataDir+"/gallery")
}

func TestNewAPI_AdminGrant(t *testing.T) {
	cfg := testConfig(t)
	cfg.WaveSpeedAPIKey = "ws-key"
	cfg.AdminToken = "ops-token"

	a, err := NewAPI(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	req := httptest.NewRequest(http.MethodPost, "/api/admin/credits", strings.NewReader(`{"agencyId":"agency-9","amount":20}`))
	req.Header.Set("Authorization", "Bearer ops-token")
	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	balance, err := a.Store.Balance(context.Background(), "agency-9")
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)
}

func TestNewAPI_TrustedProxiesInvalid(t *testing.T) {
	cfg := testConfig(t)
	cfg.WaveSpeedAPIKey = "ws-key"
	cfg.TrustedProxies = []string{"not-an-ip"}

	_, err := NewAPI(context.Background(), cfg, quietLogger())
	assert.ErrorIs(t, err, config.ErrInvalidValue)
}

func TestPacingAttrs(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetryMaxRetries = 4
	cfg.RetryInitialBackoff = 2 * time.Second
	cfg.GateMinDelay = 1500 * time.Millisecond

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("paced", pacingAttrs(newExecutor(cfg, "x", logger), newGate(cfg, "x", logger))...)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, float64(4), entry["max_retries"])
	assert.Equal(t, float64(2*time.Second), entry["initial_backoff"])
	assert.Equal(t, float64(1500*time.Millisecond), entry["gate_min_delay"])
}

func TestNewWrapper(t *testing.T) {
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/queue":
			_, _ = io.WriteString(w, `{"queue_running":[],"queue_pending":[]}`)
		case "/prompt":
			_, _ = io.WriteString(w, `{"prompt_id":"p-1","number":1}`)
		case "/history/p-1":
			_, _ = io.WriteString(w, `{}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer engine.Close()

	cfg := testConfig(t)
	cfg.ComfyURL = engine.URL
	cfg.ComfyClientID = "wrapper-test"
	cfg.PollInterval = 20 * time.Millisecond
	cfg.PollMaxAttempts = 10000

	ctx, cancel := context.WithCancel(context.Background())
	w, err := NewWrapper(ctx, cfg, quietLogger())
	require.NoError(t, err)

	assert.Equal(t, "wrapper-test", w.Engine.ClientID())
	assert.False(t, w.Listener.Connected())

	rec := httptest.NewRecorder()
	w.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(`{"input":{"workflow":{"1":{}}}}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var run struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	assert.Equal(t, string(job.StatusInQueue), run.Status)

	// A start event moves the job forward.
	w.onEvent(ctx, comfy.Event{Type: comfy.EventExecutionStart, PromptID: "p-1"})
	got, err := w.Jobs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusInProgress, got.Status)

	rec = httptest.NewRecorder()
	w.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	cancel()
	w.Wait()
}
