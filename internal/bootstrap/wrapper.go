package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/maauso/genrelay/internal/comfy"
	"github.com/maauso/genrelay/internal/config"
	"github.com/maauso/genrelay/internal/job"
	"github.com/maauso/genrelay/internal/server"
)

// Wrapper holds the wired ComfyUI wrapper process.
type Wrapper struct {
	Handler  http.Handler
	Jobs     *job.Service
	Engine   *comfy.Client
	Listener *comfy.Listener
	Sweeper  *job.Sweeper

	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWrapper creates the wrapper dependencies. Background trackers derive from ctx.
func NewWrapper(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Wrapper, error) {
	exec, g := newExecutor(cfg, "comfyui", logger), newGate(cfg, "comfyui", logger)
	engineOpts := []comfy.ClientOption{
		comfy.WithExecutor(exec),
		comfy.WithGate(g),
		comfy.WithLogger(logger),
	}
	if cfg.ComfyClientID != "" {
		engineOpts = append(engineOpts, comfy.WithClientID(cfg.ComfyClientID))
	}
	engine, err := comfy.NewClient(cfg.ComfyURL, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("create ComfyUI client: %w", err)
	}

	ledger := job.NewMemoryLedger(
		job.WithRetention(cfg.JobRetention),
		job.WithLedgerLogger(logger),
	)
	jobs := job.NewService(ledger, engine, newPoller(cfg, logger), logger, job.WithBaseContext(ctx))

	w := &Wrapper{
		Engine:  engine,
		Jobs:    jobs,
		Sweeper: job.NewSweeper(ledger, cfg.JobSweepInterval, logger),
		logger:  logger,
	}

	w.Listener, err = comfy.NewListener(engine.URL(), engine.ClientID(), w.onEvent,
		comfy.WithReconnectBackoff(cfg.EventsReconnectInitial, cfg.EventsReconnectMax),
		comfy.WithListenerLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create event listener: %w", err)
	}

	rc, err := routerConfig(cfg)
	if err != nil {
		return nil, err
	}
	handlers := server.NewWrapperHandlers(jobs, engine, w.Listener, logger)
	w.Handler = server.NewWrapperRouter(handlers, logger, rc)

	logger.Info("wrapper configured", append([]any{
		slog.String("comfyui_url", engine.URL()),
		slog.String("client_id", engine.ClientID()),
		slog.Duration("job_retention", ledger.Retention()),
	}, pacingAttrs(exec, g)...)...)
	return w, nil
}

// onEvent applies stream events to the ledger. Completion needs a history fetch,
// so it runs off the read loop.
func (w *Wrapper) onEvent(ctx context.Context, ev comfy.Event) {
	sig, ok := ev.Signal()
	if !ok {
		return
	}
	if sig.Kind != job.SignalFinished {
		w.Jobs.Observe(ctx, sig)
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.Jobs.Observe(ctx, sig)
	}()
}

// Start runs the event listener and the retention sweeper until ctx is done.
func (w *Wrapper) Start(ctx context.Context) {
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.Listener.Run(ctx)
	}()
	go func() {
		defer w.wg.Done()
		w.Sweeper.Run(ctx)
	}()
}

// Wait blocks until the background goroutines and job trackers have returned.
func (w *Wrapper) Wait() {
	w.wg.Wait()
	w.Jobs.Wait()
}
