// Package main provides the entry point for the genrelay wrapper and api processes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maauso/genrelay/internal/bootstrap"
	"github.com/maauso/genrelay/internal/config"
	"github.com/maauso/genrelay/internal/server"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "genrelay",
	Short: "Generation job proxy for ComfyUI, WaveSpeed and RunPod",
	Long: `genrelay runs in one of two modes.

wrapper exposes a ComfyUI instance through a RunPod-style job API
(POST /run, GET /status/{id}, GET /health).

api serves POST /api/generate/{model}, pacing and retrying calls to
WaveSpeed or a RunPod-style endpoint and charging agency credits.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var wrapperCmd = &cobra.Command{
	Use:   "wrapper",
	Short: "Run the ComfyUI job wrapper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, config.ModeWrapper)
	},
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the generation api",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, config.ModeAPI)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"genrelay version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().Int("port", 0, "HTTP port (overrides PORT)")

	rootCmd.AddCommand(wrapperCmd)
	rootCmd.AddCommand(apiCmd)
}

func run(cmd *cobra.Command, mode string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Port = port
	}
	if err := cfg.Validate(mode); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.NewLogger().With(slog.String("mode", mode))
	slog.SetDefault(logger)

	logger.Info("starting genrelay",
		slog.String("version", Version),
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
	)
	logger.Debug("configuration", slog.String("config", cfg.String()))

	switch mode {
	case config.ModeWrapper:
		return runWrapper(ctx, cfg, logger)
	default:
		return runAPI(ctx, cfg, logger)
	}
}

func runWrapper(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := bootstrap.NewWrapper(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize wrapper: %w", err)
	}
	w.Start(ctx)

	err = server.Serve(ctx, server.NewHTTPServer(cfg.Port, w.Handler), logger)
	cancel()
	w.Wait()
	return err
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := bootstrap.NewAPI(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize api: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close store", slog.String("error", err.Error()))
		}
	}()

	return server.Serve(ctx, server.NewHTTPServer(cfg.Port, a.Handler), logger)
}
