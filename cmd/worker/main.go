package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kirillkom/lexrag/internal/bootstrap"
	"github.com/kirillkom/lexrag/internal/config"
	"github.com/kirillkom/lexrag/internal/observability/logging"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Service.Name+"-worker", cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := bootstrap.New(cfg, logger)
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           app.WorkerMetrics().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := run(ctx, app, cfg.Worker, logger); err != nil {
		logger.Error("worker_failed", zap.Error(err))
		os.Exit(1)
	}
}

// run consumes until shutdown. When the lifetime job budget is spent it
// either returns, so a supervisor starts a fresh process, or starts a new
// consumer in this process.
func run(ctx context.Context, app *bootstrap.App, cfg config.WorkerConfig, logger *zap.Logger) error {
	for {
		worker, err := app.Worker(ctx)
		if err != nil {
			return fmt.Errorf("bootstrap worker: %w", err)
		}
		logger.Info("worker_started",
			zap.Strings("queues", cfg.Queues),
			zap.Int("concurrency", cfg.Concurrency),
			zap.Int64("max_lifetime_jobs", cfg.MaxLifetimeJobs),
		)
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if ctx.Err() != nil {
			logger.Info("worker_stopped", zap.Int64("processed", worker.Processed()))
			return nil
		}
		logger.Info("worker_recycled", zap.Int64("processed", worker.Processed()), zap.Bool("exit", cfg.RecycleProcess))
		if cfg.RecycleProcess {
			return nil
		}
	}
}
