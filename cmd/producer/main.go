// Package main runs the task event producer: an HTTP ingress that hands task
// events to the publisher, which sends them to RabbitMQ.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
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
		slog.Error("producer failed", "error", redact.Error(err))
		os.Exit(1)
	}
}

// run wires the producer and blocks until SIGINT or SIGTERM.
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

	app := newApplication(cfg, log, nil)
	defer app.cleanup()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}

	return app.serve(ctx, ln)
}
