package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/maauso/genrelay/internal/config"
	"github.com/maauso/genrelay/internal/generate"
	"github.com/maauso/genrelay/internal/generator"
	"github.com/maauso/genrelay/internal/runpod"
	"github.com/maauso/genrelay/internal/server"
	"github.com/maauso/genrelay/internal/storage"
	"github.com/maauso/genrelay/internal/store"
	"github.com/maauso/genrelay/internal/wavespeed"
)

// API holds the wired generation api process.
type API struct {
	Handler  http.Handler
	Store    *store.BoltStore
	Registry *generator.Registry
}

// NewAPI creates the api dependencies.
func NewAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*API, error) {
	db, err := store.Open(cfg.DataDir, store.WithInitialCredits(cfg.InitialCredits))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := generator.NewRegistry(generator.DefaultModels(cfg.ComfyCheckpoint, cfg.CreditsPerImage)...)
	if err := useProviders(cfg, registry, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	var opts []generate.Option
	gallery, err := initGallery(ctx, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if gallery != nil {
		opts = append(opts, generate.WithGallery(gallery))
	}

	rc, err := routerConfig(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	svc := generate.NewService(registry, registry, db, db, logger, opts...)
	handlers := server.NewAPIHandlers(svc, registry, db, logger)

	return &API{
		Handler:  server.NewAPIRouter(handlers, logger, rc),
		Store:    db,
		Registry: registry,
	}, nil
}

// Close releases the store.
func (a *API) Close() error {
	return a.Store.Close()
}

// useProviders attaches a generator for every configured provider.
func useProviders(cfg *config.Config, registry *generator.Registry, logger *slog.Logger) error {
	p := newPoller(cfg, logger)

	if cfg.WaveSpeedEnabled() {
		exec, g := newExecutor(cfg, "wavespeed", logger), newGate(cfg, "wavespeed", logger)
		ws, err := wavespeed.NewClient(cfg.WaveSpeedAPIKey,
			wavespeed.WithBaseURL(cfg.WaveSpeedBaseURL),
			wavespeed.WithExecutor(exec),
			wavespeed.WithGate(g),
			wavespeed.WithPoller(p),
			wavespeed.WithSyncMode(cfg.WaveSpeedSyncMode),
			wavespeed.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("create WaveSpeed client: %w", err)
		}
		registry.Use(generator.ProviderWaveSpeed, generator.NewWaveSpeedAdapter(ws))
		logger.Info("WaveSpeed provider configured", append([]any{
			slog.String("base_url", cfg.WaveSpeedBaseURL),
			slog.Bool("sync_mode", ws.SyncMode()),
		}, pacingAttrs(exec, g)...)...)
	}

	if cfg.RunPodEnabled() {
		exec, g := newExecutor(cfg, "runpod", logger), newGate(cfg, "runpod", logger)
		rp, err := runpod.NewClient(cfg.RunPodEndpointID,
			runpod.WithBaseURL(cfg.RunPodBaseURL),
			runpod.WithAPIKey(cfg.RunPodAPIKey),
			runpod.WithExecutor(exec),
			runpod.WithGate(g),
			runpod.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("create RunPod client: %w", err)
		}
		registry.Use(generator.ProviderRunPod, generator.NewRunPodAdapter(rp, p))
		logger.Info("RunPod provider configured", append([]any{
			slog.String("base_url", cfg.RunPodBaseURL),
			slog.String("endpoint_id", cfg.RunPodEndpointID),
			slog.String("checkpoint", cfg.ComfyCheckpoint),
		}, pacingAttrs(exec, g)...)...)
	}
	return nil
}

// initGallery returns the configured gallery backend, or nil when outputs are
// passed through unchanged.
func initGallery(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Store, err := storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 gallery configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	if !cfg.GalleryEnabled {
		return nil, nil
	}

	localStore, err := storage.NewLocalStorage(filepath.Join(cfg.DataDir, "gallery"), cfg.GalleryBaseURL)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local gallery configured", slog.String("dir", localStore.Dir()))
	return localStore, nil
}
