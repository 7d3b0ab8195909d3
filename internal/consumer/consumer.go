package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskpipe/internal/broker"
	"github.com/phrazzld/taskpipe/internal/events"
	"github.com/phrazzld/taskpipe/internal/platform/logger"
	"github.com/phrazzld/taskpipe/internal/redact"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryCountHeader is set by quorum queues on redelivered messages.
const DeliveryCountHeader = "x-delivery-count"

// Default values applied by New for zero Config fields.
const (
	DefaultPrefetch         = 1
	DefaultHandlerTimeout   = 30 * time.Second
	DefaultResubscribeDelay = time.Second
)

// Broker is the part of broker.Manager the consumer needs.
type Broker interface {
	WaitConnected(ctx context.Context) error
	Consume(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
	Ack(d amqp.Delivery) error
	Nack(d amqp.Delivery, requeue bool) error
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// Dispatcher processes a decoded task event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev events.TaskEvent) error
}

// Config controls a Consumer.
type Config struct {
	// Queue is the work queue to drain.
	Queue string

	// DeadLetterQueue receives messages that exceeded MaxDeliveries.
	DeadLetterQueue string

	// ConsumerTag identifies the subscription; a random tag is used when empty.
	ConsumerTag string

	// Prefetch is the number of unacknowledged deliveries allowed at once.
	Prefetch int

	// HandlerTimeout bounds the processing of one delivery.
	HandlerTimeout time.Duration

	// MaxDeliveries is the number of deliveries a message gets before it is
	// dead-lettered. Zero disables dead-lettering.
	MaxDeliveries int

	// ResubscribeDelay is the pause after a failed subscription.
	ResubscribeDelay time.Duration
}

// Consumer drains the work queue.
type Consumer struct {
	broker     Broker
	dispatcher Dispatcher
	deliveries DeliveryLog
	cfg        Config
	logger     *slog.Logger
}

// New creates a Consumer. A nil DeliveryLog selects a MemoryDeliveryLog.
func New(b Broker, d Dispatcher, deliveries DeliveryLog, cfg Config, log *slog.Logger) *Consumer {
	if deliveries == nil {
		deliveries = NewMemoryDeliveryLog()
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = DefaultResubscribeDelay
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "taskpipe-consumer-" + uuid.NewString()
	}

	return &Consumer{
		broker:     b,
		dispatcher: d,
		deliveries: deliveries,
		cfg:        cfg,
		logger:     log.With("component", "consumer", "queue", cfg.Queue),
	}
}

// Run consumes until ctx is cancelled, subscribing again whenever the
// delivery channel closes. It returns nil on cancellation and
// broker.ErrClosed if the broker is closed underneath it.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer starting", "prefetch", c.cfg.Prefetch, "max_deliveries", c.cfg.MaxDeliveries)

	for {
		if err := c.broker.WaitConnected(ctx); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopped")
				return nil
			}
			return fmt.Errorf("consumer waiting for broker: %w", err)
		}

		deliveries, err := c.broker.Consume(c.cfg.Queue, c.cfg.ConsumerTag, c.cfg.Prefetch)
		if err != nil {
			if errors.Is(err, broker.ErrClosed) {
				return fmt.Errorf("consumer subscribing: %w", err)
			}
			c.logger.Warn("failed to subscribe, retrying",
				"error", redact.Error(err),
				"retry_in", c.cfg.ResubscribeDelay)
			if !sleep(ctx, c.cfg.ResubscribeDelay) {
				c.logger.Info("consumer stopped")
				return nil
			}
			continue
		}

		c.logger.Info("consumer subscribed", "consumer_tag", c.cfg.ConsumerTag)

		if stopped := c.drain(ctx, deliveries); stopped {
			c.logger.Info("consumer stopped")
			return nil
		}
		c.logger.Warn("delivery channel closed, waiting to resubscribe")
	}
}

// drain processes deliveries until the channel closes (false) or ctx is
// cancelled (true).
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-deliveries:
			if !ok {
				return false
			}
			c.handle(ctx, d)
		}
	}
}

// handle settles one delivery. Processing continues past ctx cancellation,
// bounded by HandlerTimeout.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	log := c.logger.With(
		"message_id", d.MessageId,
		"delivery_tag", d.DeliveryTag,
		"redelivered", d.Redelivered,
	)

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HandlerTimeout)
	defer cancel()

	if c.deadLetter(hctx, d, log) {
		return
	}

	ev, err := events.DecodeTaskEvent(d.Body)
	if err != nil {
		log.Error("failed to decode task event", "error", err)
		c.nack(d, log)
		return
	}

	log = log.With("action", ev.Action, "task_id", ev.TaskID, "user_id", ev.UserID)
	if err := c.dispatcher.Dispatch(logger.WithLogger(hctx, log), ev); err != nil {
		log.Error("failed to process task event", "error", redact.Error(err))
		c.nack(d, log)
		return
	}

	if err := c.broker.Ack(d); err != nil {
		log.Error("failed to acknowledge task event", "error", redact.Error(err))
		return
	}
	c.forget(hctx, d, log)
	log.Info("task event processed")
}

func (c *Consumer) nack(d amqp.Delivery, log *slog.Logger) {
	if err := c.broker.Nack(d, true); err != nil {
		log.Error("failed to requeue task event", "error", redact.Error(err))
		return
	}
	log.Warn("task event requeued")
}

func (c *Consumer) forget(ctx context.Context, d amqp.Delivery, log *slog.Logger) {
	if d.MessageId == "" || c.cfg.MaxDeliveries <= 0 {
		return
	}
	if err := c.deliveries.Forget(ctx, d.MessageId); err != nil {
		log.Warn("failed to clear delivery attempts", "error", redact.Error(err))
	}
}

// deadLetter moves d to the dead-letter queue if it has used up its
// deliveries. It returns true when d has been settled.
func (c *Consumer) deadLetter(ctx context.Context, d amqp.Delivery, log *slog.Logger) bool {
	if c.cfg.MaxDeliveries <= 0 || c.cfg.DeadLetterQueue == "" {
		return false
	}

	attempts, ok := c.attempts(ctx, d, log)
	if !ok || attempts <= c.cfg.MaxDeliveries {
		return false
	}

	msg := amqp.Publishing{
		Headers: amqp.Table{
			"x-original-queue": c.cfg.Queue,
			"x-attempts":       int64(attempts),
		},
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    time.Now().UTC(),
		Type:         d.Type,
		Body:         d.Body,
	}
	if err := c.broker.Publish(ctx, c.cfg.DeadLetterQueue, msg); err != nil {
		log.Error("failed to dead-letter task event", "error", redact.Error(err))
		c.nack(d, log)
		return true
	}

	dl := DeadLetter{
		MessageID:      d.MessageId,
		Queue:          c.cfg.Queue,
		Attempts:       attempts,
		Reason:         fmt.Sprintf("exceeded %d deliveries", c.cfg.MaxDeliveries),
		Body:           d.Body,
		DeadLetteredAt: msg.Timestamp,
	}
	if err := c.deliveries.RecordDeadLetter(ctx, dl); err != nil {
		log.Warn("failed to record dead letter", "error", redact.Error(err))
	}

	if err := c.broker.Ack(d); err != nil {
		log.Error("failed to acknowledge dead-lettered task event", "error", redact.Error(err))
		return true
	}
	c.forget(ctx, d, log)

	log.Warn("task event dead-lettered",
		"attempts", attempts,
		"dead_letter_queue", c.cfg.DeadLetterQueue)
	return true
}

// attempts returns the delivery number of d, counting this delivery. ok is
// false when it cannot be determined.
func (c *Consumer) attempts(ctx context.Context, d amqp.Delivery, log *slog.Logger) (int, bool) {
	if n, ok := deliveryCount(d.Headers); ok {
		return n + 1, true
	}
	if d.MessageId == "" {
		return 0, false
	}

	n, err := c.deliveries.RecordAttempt(ctx, d.MessageId)
	if err != nil {
		log.Warn("failed to record delivery attempt", "error", redact.Error(err))
		return 0, false
	}
	return n, true
}

// deliveryCount reads the x-delivery-count header, which counts prior deliveries.
func deliveryCount(headers amqp.Table) (int, bool) {
	switch v := headers[DeliveryCountHeader].(type) {
	case int:
		return v, true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	default:
		return 0, false
	}
}

// sleep waits for d and reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
