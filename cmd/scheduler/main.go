package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

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
	logger := logging.New(cfg.Service.Name+"-scheduler", cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := bootstrap.New(cfg, logger)
	defer app.Close()

	sched, err := app.Scheduler(ctx)
	if err != nil {
		logger.Fatal("bootstrap_failed", zap.Error(err))
	}
	if err := sched.Run(ctx); err != nil {
		logger.Error("scheduler_failed", zap.Error(err))
		os.Exit(1)
	}
}
