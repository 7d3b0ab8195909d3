// Package notify publishes notification events derived from task events.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskpipe/internal/broker"
	"github.com/phrazzld/taskpipe/internal/events"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the part of broker.Manager the emitter needs.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// Emitter publishes NotificationEvents to the notification queue.
// Unlike the task event publisher it reports every failure to its caller.
type Emitter struct {
	broker Publisher
	queue  string
	logger *slog.Logger
}

// NewEmitter creates an Emitter that sends to queue.
func NewEmitter(b Publisher, queue string, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		broker: b,
		queue:  queue,
		logger: logger.With("component", "notify", "queue", queue),
	}
}

// Emit publishes n as a persistent message.
func (e *Emitter) Emit(ctx context.Context, n events.NotificationEvent) error {
	body, err := events.Encode(n)
	if err != nil {
		return err
	}

	msg := broker.PersistentJSON(string(n.Type), body)
	if err := e.broker.Publish(ctx, e.queue, msg); err != nil {
		return fmt.Errorf("failed to emit %s notification for task %s: %w", n.Type, n.TaskID, err)
	}

	e.logger.Info("notification emitted",
		"type", n.Type,
		"task_id", n.TaskID,
		"user_id", n.UserID,
		"message_id", msg.MessageId)
	return nil
}
