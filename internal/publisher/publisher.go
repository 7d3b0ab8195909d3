package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/taskpipe/internal/broker"
	"github.com/phrazzld/taskpipe/internal/events"
	"github.com/phrazzld/taskpipe/internal/redact"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultAsyncTimeout bounds a single PublishAsync call, connect included.
const DefaultAsyncTimeout = 15 * time.Second

// Broker is the part of broker.Manager the publisher needs.
type Broker interface {
	State() broker.State
	Connect(ctx context.Context) bool
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// Publisher publishes TaskEvents to the work queue.
type Publisher struct {
	broker       Broker
	queue        string
	logger       *slog.Logger
	asyncTimeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Publisher that sends to queue.
func New(b Broker, queue string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		broker:       b,
		queue:        queue,
		logger:       logger.With("component", "publisher", "queue", queue),
		asyncTimeout: DefaultAsyncTimeout,
	}
}

// Publish validates, encodes and publishes ev as a persistent message. It
// connects first when the broker has no live channel. It returns false if
// the event was not handed to the broker; it never returns an error.
func (p *Publisher) Publish(ctx context.Context, ev events.TaskEvent) bool {
	log := p.logger.With("action", ev.Action, "task_id", ev.TaskID)

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		log.Warn("publisher closed, dropping task event")
		return false
	}
	return p.publish(ctx, ev, log)
}

// publish does the work of Publish without the closed check, so events
// accepted by PublishAsync before Close are still delivered.
func (p *Publisher) publish(ctx context.Context, ev events.TaskEvent, log *slog.Logger) bool {
	if err := ev.ValidateForPublish(); err != nil {
		log.Error("refusing to publish invalid task event", "error", err)
		return false
	}

	body, err := events.Encode(ev)
	if err != nil {
		log.Error("failed to encode task event", "error", err)
		return false
	}

	if p.broker.State() != broker.StateConnected && !p.broker.Connect(ctx) {
		log.Warn("broker unavailable, task event dropped", "state", p.broker.State())
		return false
	}

	msg := broker.PersistentJSON(string(ev.Action), body)
	if err := p.broker.Publish(ctx, p.queue, msg); err != nil {
		log.Error("failed to publish task event",
			"message_id", msg.MessageId,
			"error", redact.Error(err))
		return false
	}

	log.Debug("task event published", "message_id", msg.MessageId)
	return true
}

// PublishAsync publishes ev on its own goroutine with a context detached
// from the caller. The outcome is only logged.
func (p *Publisher) PublishAsync(ev events.TaskEvent) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Warn("publisher closed, dropping task event",
			"action", ev.Action, "task_id", ev.TaskID)
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.asyncTimeout)
		defer cancel()
		p.publish(ctx, ev, p.logger.With("action", ev.Action, "task_id", ev.TaskID))
	}()
}

// Wait blocks until every PublishAsync call has finished.
func (p *Publisher) Wait() {
	p.wg.Wait()
}

// Close stops accepting events and waits for in-flight async publishes.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
