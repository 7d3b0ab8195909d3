package main

import (
	"context"
	"log/slog"

	"github.com/phrazzld/taskpipe/internal/broker"
	"github.com/phrazzld/taskpipe/internal/config"
	"github.com/phrazzld/taskpipe/internal/publisher"
	"github.com/phrazzld/taskpipe/internal/redact"
)

// connectionName identifies the producer in the RabbitMQ management UI.
const connectionName = "taskpipe-producer"

// application holds the producer's long-lived dependencies.
type application struct {
	config    *config.Config
	logger    *slog.Logger
	broker    *broker.Manager
	publisher *publisher.Publisher
}

// newApplication builds the producer. A nil dial connects to RabbitMQ.
func newApplication(cfg *config.Config, log *slog.Logger, dial broker.Dialer) *application {
	if dial == nil {
		dial = broker.AMQPDialer(cfg.Broker.OperationTimeout, connectionName)
	}

	manager := broker.NewManager(brokerConfig(cfg), dial, log)
	return &application{
		config:    cfg,
		logger:    log,
		broker:    manager,
		publisher: publisher.New(manager, cfg.Queues.Tasks, log),
	}
}

// brokerConfig maps the broker and queue settings onto a broker.Config.
func brokerConfig(cfg *config.Config) broker.Config {
	return broker.Config{
		URL:              cfg.Broker.URL(),
		Queues:           cfg.Queues.Declared(),
		RetryInterval:    cfg.Broker.RetryInterval,
		MaxRetryInterval: cfg.Broker.MaxRetryInterval,
		MaxSyncAttempts:  cfg.Broker.MaxSyncAttempts,
		OperationTimeout: cfg.Broker.OperationTimeout,
	}
}

// watchBroker logs every (re)established broker connection until ctx is done.
func (app *application) watchBroker(ctx context.Context, connected <-chan struct{}) {
	count := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-connected:
			count++
			app.logger.Info("broker ready for publishing",
				"broker", redact.URL(app.config.Broker.URL()),
				"connections", count)
		}
	}
}

// cleanup drains async publishes, then closes the broker connection.
func (app *application) cleanup() {
	app.publisher.Close()
	if err := app.broker.Close(); err != nil {
		app.logger.Error("failed to close broker connection", "error", redact.Error(err))
	}
}
