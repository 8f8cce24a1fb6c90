package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/genrelay/internal/generator"
	"github.com/maauso/genrelay/internal/storage"
	"github.com/maauso/genrelay/internal/store"
	"github.com/maauso/genrelay/internal/tenant"
	"github.com/maauso/genrelay/internal/wavespeed"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, model generator.Model, req generator.Request) ([]string, error) {
	args := m.Called(ctx, model, req)
	if v := args.Get(0); v != nil {
		return v.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

var who = tenant.Identity{AgencyID: "agency-1", UserID: "user-1"}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	svc   *Service
	gen   *mockGenerator
	store *store.BoltStore
}

func newFixture(t *testing.T, credits int64, opts ...Option) *fixture {
	t.Helper()
	db, err := store.Open(t.TempDir(), store.WithInitialCredits(credits))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gen := &mockGenerator{}
	registry := generator.NewRegistry(generator.DefaultModels(generator.DefaultCheckpoint, 2)...)
	registry.Use(generator.ProviderWaveSpeed, gen)
	registry.Use(generator.ProviderRunPod, gen)

	clock := func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	opts = append([]Option{WithClock(clock)}, opts...)

	return &fixture{
		svc:   NewService(registry, registry, db, db, quietLogger(), opts...),
		gen:   gen,
		store: db,
	}
}

func TestGenerate_Success(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	f.gen.On("Generate", mock.Anything, mock.MatchedBy(func(m generator.Model) bool {
		return m.Name == "seedream-v4"
	}), mock.MatchedBy(func(r generator.Request) bool {
		return r.Prompt == "a cat" && r.Width == 1024 && r.Height == 1024 && r.NumOutputs == 2
	})).Return([]string{"https://cdn/a.png", "https://cdn/b.png"}, nil).Once()

	res, err := f.svc.Generate(ctx, who, "seedream-v4", generator.Request{Prompt: "a cat", NumOutputs: 2})
	require.NoError(t, err)

	assert.NotEmpty(t, res.ID)
	assert.Equal(t, []string{"https://cdn/a.png", "https://cdn/b.png"}, res.Images)
	assert.Equal(t, int64(4), res.CreditsUsed)
	assert.Equal(t, "seedream-v4", res.Parameters.Model)
	assert.Equal(t, 1024, res.Parameters.Width)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), res.Timestamp)

	balance, err := f.store.Balance(ctx, who.AgencyID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), balance)

	records, err := f.store.ListGenerations(ctx, who.AgencyID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, res.ID, records[0].ID)
	assert.Equal(t, "user-1", records[0].UserID)
	assert.Equal(t, int64(4), records[0].CreditsUsed)

	f.gen.AssertExpectations(t)
}

func TestGenerate_ChargesProducedImages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	f.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return([]string{"https://cdn/a.png"}, nil).Once()

	res, err := f.svc.Generate(ctx, who, "seedream-v4-sequential", generator.Request{Prompt: "story", NumOutputs: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.CreditsUsed)

	balance, err := f.store.Balance(ctx, who.AgencyID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), balance)
}

func TestGenerate_InsufficientCredits(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.svc.Generate(context.Background(), who, "seedream-v4", generator.Request{Prompt: "a cat"})
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	f.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestGenerate_RejectsBeforeCalling(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		req     generator.Request
		wantErr error
	}{
		{"unknown model", "nope", generator.Request{Prompt: "a"}, generator.ErrUnknownModel},
		{"missing prompt", "sdxl", generator.Request{}, generator.ErrPromptRequired},
		{"edit without reference", "seedream-v4-edit", generator.Request{Prompt: "a"}, generator.ErrReferenceRequired},
		{"too many outputs", "seedream-v4", generator.Request{Prompt: "a", NumOutputs: 9}, generator.ErrTooManyOutputs},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 100)
			_, err := f.svc.Generate(context.Background(), who, tt.model, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			f.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestGenerate_RateLimitedDoesNotDebit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	providerErr := fmt.Errorf("%w: %w", generator.ErrRateLimited, wavespeed.ErrRateLimited)
	f.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(nil, providerErr).Once()

	_, err := f.svc.Generate(ctx, who, "seedream-v4", generator.Request{Prompt: "a cat"})
	assert.ErrorIs(t, err, generator.ErrRateLimited)

	balance, err := f.store.Balance(ctx, who.AgencyID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	records, err := f.store.ListGenerations(ctx, who.AgencyID, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestGenerate_GalleryStoresInlineOutputs(t *testing.T) {
	ctx := context.Background()
	gallery, err := storage.NewLocalStorage(t.TempDir(), "https://gallery.example.com")
	require.NoError(t, err)
	f := newFixture(t, 10, WithGallery(gallery))

	f.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return([]string{"data:image/png;base64,aGVsbG8="}, nil).Once()

	res, err := f.svc.Generate(ctx, who, "sdxl", generator.Request{Prompt: "a cat"})
	require.NoError(t, err)

	require.Len(t, res.Images, 1)
	assert.Equal(t, "https://gallery.example.com/agency-1/"+res.ID+"/0.png", res.Images[0])
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, outcomeSuccess, outcome(nil))
	assert.Equal(t, outcomeRateLimited, outcome(generator.ErrRateLimited))
	assert.Equal(t, outcomeInsufficient, outcome(fmt.Errorf("x: %w", ErrInsufficientCredits)))
	assert.Equal(t, outcomeInvalid, outcome(generator.ErrPromptRequired))
	assert.Equal(t, outcomeError, outcome(errors.New("boom")))
}
