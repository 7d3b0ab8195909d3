package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/taskpipe/internal/redact"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
)

// Common errors returned by the Manager.
var (
	// ErrNotConnected is returned when a channel operation is attempted
	// while no live channel exists.
	ErrNotConnected = errors.New("broker not connected")

	// ErrClosed is returned once the Manager has been closed.
	ErrClosed = errors.New("broker manager closed")

	// errAttemptInFlight is returned internally when another attempt holds the guard.
	errAttemptInFlight = errors.New("connection attempt already in progress")

	// errSyncAttemptsExhausted is returned internally when in-band attempts are short-circuited.
	errSyncAttemptsExhausted = errors.New("synchronous connection attempts exhausted")
)

// Default values applied by NewManager for zero Config fields.
const (
	DefaultRetryInterval    = 5 * time.Second
	DefaultMaxSyncAttempts  = 5
	DefaultOperationTimeout = 5 * time.Second
)

// Config controls how the Manager connects and reconnects.
type Config struct {
	// URL is the amqp:// URL to dial.
	URL string

	// Queues are declared durable on every successful connection.
	Queues []string

	// RetryInterval is the first reconnect delay; each failure doubles it.
	RetryInterval time.Duration

	// MaxRetryInterval caps the reconnect delay.
	MaxRetryInterval time.Duration

	// MaxSyncAttempts is the number of consecutive failures after which
	// Connect stops dialing in-band and leaves recovery to the background loop.
	MaxSyncAttempts int

	// OperationTimeout bounds each dial and publish.
	OperationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxRetryInterval < c.RetryInterval {
		c.MaxRetryInterval = c.RetryInterval
	}
	if c.MaxSyncAttempts <= 0 {
		c.MaxSyncAttempts = DefaultMaxSyncAttempts
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	return c
}

// Manager owns one connection and one channel and keeps them alive.
type Manager struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger

	// mu guards the fields below.
	mu         sync.Mutex
	state      State
	conn       Connection
	ch         Channel
	connecting bool
	failures   int
	closed     bool
	started    bool
	ready      chan struct{}
	observers  []chan struct{}

	// chMu serializes every operation on the channel.
	chMu sync.Mutex

	kick   chan time.Duration
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager. A nil dialer selects AMQPDialer.
func NewManager(cfg Config, dial Dialer, logger *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	if dial == nil {
		dial = AMQPDialer(cfg.OperationTimeout, "")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		dial:   dial,
		logger: logger.With("component", "broker"),
		state:  StateDisconnected,
		ready:  make(chan struct{}),
		kick:   make(chan time.Duration, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the background reconnect loop and schedules an immediate
// connection attempt. Calling Start more than once has no effect.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reconnectLoop()
	m.scheduleReconnect(0)
}

// Connect makes one in-band connection attempt. It returns true when a live
// connection exists afterwards. It never dials while another attempt is in
// flight, and it stops dialing after MaxSyncAttempts consecutive failures;
// in both cases it returns false and the background loop keeps trying.
func (m *Manager) Connect(ctx context.Context) bool {
	err := m.tryConnect(ctx, true)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errAttemptInFlight):
		m.logger.Debug("connection attempt already in progress")
	case errors.Is(err, errSyncAttemptsExhausted):
		m.logger.Debug("skipping in-band connection attempt",
			"max_sync_attempts", m.cfg.MaxSyncAttempts)
		m.scheduleReconnect(0)
	case errors.Is(err, ErrClosed):
	default:
		m.scheduleReconnect(m.cfg.RetryInterval)
	}
	return false
}

// tryConnect runs one guarded attempt. inBand attempts honour the
// consecutive-failure short circuit; the background loop does not.
func (m *Manager) tryConnect(ctx context.Context, inBand bool) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.state == StateConnected:
		m.mu.Unlock()
		return nil
	case m.connecting:
		m.mu.Unlock()
		return errAttemptInFlight
	case inBand && m.failures >= m.cfg.MaxSyncAttempts:
		m.mu.Unlock()
		return errSyncAttemptsExhausted
	}
	m.connecting = true
	m.state = StateConnecting
	m.mu.Unlock()

	m.logger.Info("connecting to broker", "url", redact.URL(m.cfg.URL))

	conn, ch, err := m.open(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.connecting = false

	if err == nil && m.closed {
		_ = conn.Close()
		err = ErrClosed
	}
	if err != nil {
		if m.closed {
			return err
		}
		m.failures++
		m.state = StateFailed
		m.logger.Error("failed to connect to broker",
			"error", redact.Error(err),
			"consecutive_failures", m.failures)
		return err
	}

	m.conn, m.ch = conn, ch
	m.state = StateConnected
	m.failures = 0
	close(m.ready)
	for _, obs := range m.observers {
		select {
		case obs <- struct{}{}:
		default:
		}
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	m.wg.Add(1)
	go m.watch(conn, connClosed, chClosed)

	m.logger.Info("connected to broker", "queues", m.cfg.Queues)
	return nil
}

// open dials, opens a channel and declares the configured queues.
func (m *Manager) open(ctx context.Context) (Connection, Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()

	conn, err := m.dial(ctx, m.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	for _, queue := range m.cfg.Queues {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
	}

	return conn, ch, nil
}

// watch waits for the connection or channel to close and starts recovery.
func (m *Manager) watch(conn Connection, connClosed, chClosed <-chan *amqp.Error) {
	defer m.wg.Done()

	var reason *amqp.Error
	select {
	case reason = <-connClosed:
	case reason = <-chClosed:
	case <-m.ctx.Done():
		return
	}

	m.mu.Lock()
	if m.closed || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn, m.ch = nil, nil
	m.state = StateDisconnected
	m.ready = make(chan struct{})
	m.mu.Unlock()

	if reason != nil {
		m.logger.Warn("broker connection lost",
			"code", reason.Code,
			"reason", reason.Reason)
	} else {
		m.logger.Warn("broker connection closed")
	}

	// the channel may have closed alone; drop the whole pair
	_ = conn.Close()
	m.scheduleReconnect(m.cfg.RetryInterval)
}

// scheduleReconnect asks the background loop to start recovering after
// delay. A pending request is merged, keeping the shorter delay.
func (m *Manager) scheduleReconnect(delay time.Duration) {
	for {
		select {
		case m.kick <- delay:
			return
		default:
		}
		select {
		case pending := <-m.kick:
			delay = min(delay, pending)
		default:
		}
	}
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for {
		var delay time.Duration
		select {
		case <-m.ctx.Done():
			return
		case delay = <-m.kick:
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-m.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		m.reconnect(m.ctx)
	}
}

// reconnect retries until connected or ctx is cancelled.
func (m *Manager) reconnect(ctx context.Context) {
	backoff := retry.WithCappedDuration(m.cfg.MaxRetryInterval, retry.NewExponential(m.cfg.RetryInterval))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := m.tryConnect(ctx, false)
		if err == nil || errors.Is(err, ErrClosed) {
			return err
		}
		m.logger.Warn("broker reconnect attempt failed",
			"attempt", attempt,
			"error", redact.Error(err))
		return retry.RetryableError(err)
	})
	if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
		m.logger.Error("broker reconnect loop stopped", "error", redact.Error(err))
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WaitConnected blocks until the Manager is connected, ctx is done, or the
// Manager is closed.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		if m.state == StateConnected {
			m.mu.Unlock()
			return nil
		}
		ready := m.ready
		m.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.ctx.Done():
			return ErrClosed
		}
	}
}

// NotifyReconnect returns a channel that receives a value after every
// successful connection. Signals are dropped while the previous one is unread.
func (m *Manager) NotifyReconnect() <-chan struct{} {
	obs := make(chan struct{}, 1)
	m.mu.Lock()
	m.observers = append(m.observers, obs)
	m.mu.Unlock()
	return obs
}

// channel returns the live channel, if any.
func (m *Manager) channel() (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.ch == nil {
		return nil, ErrNotConnected
	}
	return m.ch, nil
}

// Publish sends msg to queue through the default exchange.
func (m *Manager) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	m.chMu.Lock()
	defer m.chMu.Unlock()

	ch, err := m.channel()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()

	if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// Consume sets the prefetch limit and subscribes to queue with manual
// acknowledgement. The returned channel closes when the underlying channel
// or connection closes.
func (m *Manager) Consume(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	m.chMu.Lock()
	defer m.chMu.Unlock()

	ch, err := m.channel()
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %s: %w", queue, err)
	}
	return deliveries, nil
}

// Ack acknowledges a single delivery.
func (m *Manager) Ack(d amqp.Delivery) error {
	m.chMu.Lock()
	defer m.chMu.Unlock()

	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery %d: %w", d.DeliveryTag, err)
	}
	return nil
}

// Nack negatively acknowledges a single delivery.
func (m *Manager) Nack(d amqp.Delivery, requeue bool) error {
	m.chMu.Lock()
	defer m.chMu.Unlock()

	if err := d.Nack(false, requeue); err != nil {
		return fmt.Errorf("failed to nack delivery %d: %w", d.DeliveryTag, err)
	}
	return nil
}

// Close stops the reconnect loop and closes the channel, then the connection.
// It returns after every goroutine owned by the Manager has exited.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn, ch := m.conn, m.ch
	m.conn, m.ch = nil, nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.cancel()

	var errs []error
	if ch != nil {
		m.chMu.Lock()
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
		m.chMu.Unlock()
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}

	m.wg.Wait()
	m.logger.Info("broker connection closed")
	return errors.Join(errs...)
}
