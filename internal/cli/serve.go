package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/activities"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/config"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/health"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/httpapi"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/logging"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/temporal"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/workflows"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, admin endpoints and checkpoint sweeper",
		Long: `Run the HTTP API on server.port and /metrics plus /health on server.admin_port.
With temporal.enabled, turns execute as TurnWorkflow runs on an embedded worker
and the checkpoint sweep runs as a Temporal schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := baseFor(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), b)
		},
	}
}

func serve(ctx context.Context, b *base) error {
	a, err := newApp(ctx, b)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	logger, cfg := b.logger, b.cfg

	hm := a.healthManager()
	hm.Start(ctx)
	defer hm.Stop()

	var turns httpapi.Turns = a.executor
	if cfg.Temporal.Enabled {
		tc, w, err := startWorker(ctx, a)
		if err != nil {
			return err
		}
		defer tc.Close()
		defer w.Stop()
		turns = workflows.NewRunner(tc, cfg.Temporal.TaskQueue, logger)
	} else if a.store != nil {
		go runSweeper(ctx, a.store, cfg.Checkpoint.SweepInterval, cfg.Checkpoint.TTL, logger)
	}

	watcher := config.NewWatcher(b.cfgPath, cfg, logger)
	watcher.OnChange(func(c *config.Config) error {
		return logging.SetLevel(b.level, c.Logging.Level)
	})
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Warn("Config watcher stopped", zap.Error(err))
		}
	}()

	healthHandler := health.NewHandler(hm, logger)
	api := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: httpapi.NewRouter(httpapi.RouterOptions{
			Turns:       turns,
			Checkpoints: a.store,
			Events:      a.events,
			Extra:       []httpapi.RouteRegistrar{healthHandler},
			Logger:      logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	adminMux := http.NewServeMux()
	adminMux.Handle("GET /metrics", promhttp.Handler())
	healthHandler.RegisterRoutes(adminMux)
	admin := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.AdminPort),
		Handler:           adminMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	for name, srv := range map[string]*http.Server{"api": api, "admin": admin} {
		go func() {
			logger.Info("HTTP server listening", zap.String("server", name), zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-errCh:
		logger.Error("Server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range []*http.Server{api, admin} {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("HTTP shutdown incomplete", zap.String("addr", srv.Addr), zap.Error(serr))
		}
	}
	return err
}

// startWorker connects to Temporal, starts a worker for the turn and sweep
// workflows, and makes sure the sweep schedule exists.
func startWorker(ctx context.Context, a *app) (client.Client, worker.Worker, error) {
	cfg, logger := a.cfg, a.logger
	tc, err := temporal.Dial(cfg.Temporal, logger)
	if err != nil {
		return nil, nil, err
	}
	w := worker.New(tc, cfg.Temporal.TaskQueue, worker.Options{})
	workflows.Register(w, activities.NewActivities(a.executor, a.store, logger))
	if err := w.Start(); err != nil {
		tc.Close()
		return nil, nil, fmt.Errorf("start temporal worker: %w", err)
	}
	logger.Info("Temporal worker started", zap.String("task_queue", cfg.Temporal.TaskQueue))

	if a.store != nil {
		if err := workflows.EnsureSweepSchedule(ctx, tc, cfg.Temporal.TaskQueue, cfg.Temporal.SweepSchedule, cfg.Checkpoint.TTL, logger); err != nil {
			logger.Warn("Checkpoint sweep schedule unavailable", zap.Error(err))
		}
	}
	return tc, w, nil
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the Temporal worker for turn and sweep workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := baseFor(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, b)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			tc, w, err := startWorker(ctx, a)
			if err != nil {
				return err
			}
			defer tc.Close()
			<-ctx.Done()
			w.Stop()
			return nil
		},
	}
}
