package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kirillkom/lexrag/internal/adapters/cli"
	"github.com/kirillkom/lexrag/internal/bootstrap"
	"github.com/kirillkom/lexrag/internal/config"
	"github.com/kirillkom/lexrag/internal/observability/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var app *bootstrap.App
	root := cli.NewRootCommand(func(configPath string) (cli.Backend, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		// stdout carries command output.
		logger := logging.NewTo(os.Stderr, cfg.Service.Name+"-cli", "warn", "console")
		app = bootstrap.New(cfg, logger)
		return app, nil
	})

	err := root.ExecuteContext(ctx)
	if app != nil {
		app.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
