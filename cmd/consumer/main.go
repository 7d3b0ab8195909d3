// Package main runs the task event consumer: it drains the task queue,
// dispatches each event to its handler and emits notifications.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/taskpipe/internal/config"
	"github.com/phrazzld/taskpipe/internal/platform/logger"
	"github.com/phrazzld/taskpipe/internal/redact"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	pflag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("consumer failed", "error", redact.Error(err))
		os.Exit(1)
	}
}

// run wires the consumer and blocks until SIGINT or SIGTERM.
func run(configPath string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(logger.LoggerConfig{Level: cfg.Log.Level})
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer app.cleanup()

	return app.run(ctx)
}
