package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskpipe/internal/broker"
	"github.com/phrazzld/taskpipe/internal/config"
	"github.com/phrazzld/taskpipe/internal/consumer"
	"github.com/phrazzld/taskpipe/internal/dispatch"
	"github.com/phrazzld/taskpipe/internal/notify"
	"github.com/phrazzld/taskpipe/internal/platform/postgres"
	"github.com/phrazzld/taskpipe/internal/redact"
)

// connectionName identifies the consumer in the RabbitMQ management UI.
const connectionName = "taskpipe-consumer"

// application holds the consumer's long-lived dependencies and releases
// them on shutdown.
type application struct {
	config   *config.Config
	logger   *slog.Logger
	db       *sql.DB
	broker   *broker.Manager
	consumer *consumer.Consumer
}

// newApplication builds the consumer. When a database URL is configured the
// delivery log is kept in Postgres, after migrating its schema; otherwise it
// lives in memory. A nil dial connects to RabbitMQ.
func newApplication(ctx context.Context, cfg *config.Config, log *slog.Logger, dial broker.Dialer) (*application, error) {
	app := &application{config: cfg, logger: log}

	var deliveries consumer.DeliveryLog
	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database.URL, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open delivery log database: %w", err)
		}
		if err := postgres.Migrate(ctx, db, log); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate delivery log database: %w", err)
		}
		app.db = db
		pgLog := postgres.NewDeliveryLog(db)
		logDeadLetterBacklog(ctx, pgLog, cfg.Queues.Tasks, log)
		deliveries = pgLog
	} else {
		log.Info("no database configured, delivery attempts are tracked in memory")
	}

	if dial == nil {
		dial = broker.AMQPDialer(cfg.Broker.OperationTimeout, connectionName)
	}
	app.broker = broker.NewManager(broker.Config{
		URL:              cfg.Broker.URL(),
		Queues:           cfg.Queues.Declared(),
		RetryInterval:    cfg.Broker.RetryInterval,
		MaxRetryInterval: cfg.Broker.MaxRetryInterval,
		MaxSyncAttempts:  cfg.Broker.MaxSyncAttempts,
		OperationTimeout: cfg.Broker.OperationTimeout,
	}, dial, log)

	emitter := notify.NewEmitter(app.broker, cfg.Queues.Notifications, log)
	dispatcher := dispatch.NewDispatcher(log)
	dispatch.RegisterDefaults(dispatcher, emitter, cfg.Consumer.ProcessingDelay)

	app.consumer = consumer.New(app.broker, dispatcher, deliveries, consumer.Config{
		Queue:           cfg.Queues.Tasks,
		DeadLetterQueue: cfg.Queues.DeadLetter,
		Prefetch:        cfg.Consumer.Prefetch,
		HandlerTimeout:  cfg.Consumer.HandlerTimeout,
		MaxDeliveries:   cfg.Consumer.MaxDeliveries,
	}, log)

	return app, nil
}

// deadLetterBacklogLimit caps how many dead letters are read at startup.
const deadLetterBacklogLimit = 100

// deadLetterLister reads recorded dead letters.
type deadLetterLister interface {
	DeadLetters(ctx context.Context, queue string, limit int) ([]consumer.DeadLetter, error)
}

// logDeadLetterBacklog reports dead letters left over from earlier runs so
// they are not forgotten after a restart.
func logDeadLetterBacklog(ctx context.Context, l deadLetterLister, queue string, log *slog.Logger) {
	backlog, err := l.DeadLetters(ctx, queue, deadLetterBacklogLimit)
	if err != nil {
		log.Warn("failed to read dead-letter backlog", "queue", queue, "error", redact.Error(err))
		return
	}
	if len(backlog) == 0 {
		return
	}

	log.Warn("dead-letter backlog found",
		"queue", queue,
		"count", len(backlog),
		"limit", deadLetterBacklogLimit,
		"latest_message_id", backlog[0].MessageID,
		"latest_at", backlog[0].DeadLetteredAt)
}

// run starts the broker and consumes until ctx is cancelled.
func (app *application) run(ctx context.Context) error {
	app.logger.Info("starting consumer",
		"broker", redact.URL(app.config.Broker.URL()),
		"queue", app.config.Queues.Tasks,
		"processing_delay", app.config.Consumer.ProcessingDelay)

	app.broker.Start()
	if err := app.consumer.Run(ctx); err != nil {
		return fmt.Errorf("consumer stopped unexpectedly: %w", err)
	}
	return nil
}

// cleanup closes the broker channel and connection, then the database.
func (app *application) cleanup() {
	if err := app.broker.Close(); err != nil {
		app.logger.Error("failed to close broker connection", "error", redact.Error(err))
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database", "error", err)
		}
		app.logger.Info("database connection closed")
	}
}
