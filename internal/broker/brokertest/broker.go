// Package brokertest provides an in-memory broker for tests.
//
// It implements the broker.Connection and broker.Channel interfaces closely
// enough to exercise reconnection, prefetch limits and ack/nack semantics
// without a running RabbitMQ: Broker.Dial is a broker.Dialer, SetDown and
// DropConnections simulate outages, and FailPublishes makes every publish
// return an error.
package brokertest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/phrazzld/taskpipe/internal/broker"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrUnreachable is returned by Dial while the broker is down.
var ErrUnreachable = errors.New("dial tcp: connection refused")

// DeliveryCountHeader is the header quorum queues use to report prior deliveries.
const DeliveryCountHeader = "x-delivery-count"

type message struct {
	pub         amqp.Publishing
	redelivered bool
	deliveries  int
}

type queue struct {
	ready []*message
}

// Broker is an in-memory message broker.
type Broker struct {
	mu   sync.Mutex
	cond *sync.Cond

	down          bool
	publishErr    error
	deliveryCount bool
	dials         int
	acks          int
	nacks         int

	queues map[string]*queue
	conns  map[*Conn]struct{}
}

// New creates an empty, reachable broker.
func New() *Broker {
	b := &Broker{
		queues: make(map[string]*queue),
		conns:  make(map[*Conn]struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Dial implements broker.Dialer.
func (b *Broker) Dial(ctx context.Context, _ string) (broker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.down {
		return nil, ErrUnreachable
	}

	conn := &Conn{b: b}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// SetDown makes subsequent dials fail (true) or succeed (false).
// Existing connections are not affected; see DropConnections.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// DropConnections closes every open connection as a server-initiated
// CONNECTION_FORCED close. Unacked messages return to their queues.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{
			Code:    amqp.ConnectionForced,
			Reason:  "CONNECTION_FORCED - broker forced connection closure",
			Server:  true,
			Recover: true,
		})
	}
}

// Outage drops every connection and refuses new ones until Restore.
func (b *Broker) Outage() {
	b.SetDown(true)
	b.DropConnections()
}

// Restore lets dials succeed again.
func (b *Broker) Restore() {
	b.SetDown(false)
}

// FailPublishes makes every publish return err. A nil err restores publishing.
func (b *Broker) FailPublishes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// EnableDeliveryCount adds the x-delivery-count header to redeliveries.
func (b *Broker) EnableDeliveryCount() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliveryCount = true
}

// Inject places a message on queue as if published, declaring the queue
// if needed.
func (b *Broker) Inject(name string, pub amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueue(b.declare(name), pub)
}

// Messages returns the publishings waiting on queue, oldest first.
// Delivered but unacknowledged messages are not included.
func (b *Broker) Messages(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.pub)
	}
	return out
}

// Declared reports whether queue has been declared.
func (b *Broker) Declared(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Dials returns the number of dial attempts, failed ones included.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Acks returns the number of acknowledged deliveries.
func (b *Broker) Acks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks
}

// Nacks returns the number of negatively acknowledged deliveries.
func (b *Broker) Nacks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nacks
}

// OpenConnections returns the number of live connections.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// declare requires b.mu.
func (b *Broker) declare(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{}
		b.queues[name] = q
	}
	return q
}

// enqueue requires b.mu.
func (b *Broker) enqueue(q *queue, pub amqp.Publishing) {
	body := make([]byte, len(pub.Body))
	copy(body, pub.Body)
	pub.Body = body
	q.ready = append(q.ready, &message{pub: pub})
	b.cond.Broadcast()
}

// requeue puts m back at the head of its queue. Requires b.mu.
func (b *Broker) requeue(name string, m *message) {
	q := b.declare(name)
	m.redelivered = true
	q.ready = append([]*message{m}, q.ready...)
	b.cond.Broadcast()
}

// Conn is an in-memory connection.
type Conn struct {
	b        *Broker
	closed   bool
	channels []*Chan
	notify   []chan *amqp.Error
}

var _ broker.Connection = (*Conn)(nil)

// Channel implements broker.Connection.
func (c *Conn) Channel() (broker.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Chan{
		conn:    c,
		b:       c.b,
		unacked: make(map[uint64]unacked),
		done:    make(chan struct{}),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements broker.Connection.
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close implements broker.Connection.
func (c *Conn) Close() error {
	c.b.mu.Lock()
	closed := c.closed
	c.b.mu.Unlock()
	if closed {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

// shutdown closes the connection and its channels. A nil reason is a
// graceful client close.
func (c *Conn) shutdown(reason *amqp.Error) {
	c.b.mu.Lock()
	if c.closed {
		c.b.mu.Unlock()
		return
	}
	c.closed = true
	delete(c.b.conns, c)
	channels := c.channels
	notify := c.notify
	c.notify = nil
	c.b.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(reason)
	}
	signal(notify, reason)
}

func signal(receivers []chan *amqp.Error, reason *amqp.Error) {
	for _, r := range receivers {
		if reason != nil {
			select {
			case r <- reason:
			default:
			}
		}
		close(r)
	}
}

type unacked struct {
	queue string
	msg   *message
}

// Chan is an in-memory channel. It is also the Acknowledger of the
// deliveries it produces.
type Chan struct {
	conn     *Conn
	b        *Broker
	closed   bool
	prefetch int
	nextTag  uint64
	unacked  map[uint64]unacked
	notify   []chan *amqp.Error
	done     chan struct{}
}

var (
	_ broker.Channel    = (*Chan)(nil)
	_ amqp.Acknowledger = (*Chan)(nil)
)

// QueueDeclare implements broker.Channel.
func (ch *Chan) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q := ch.b.declare(name)
	return amqp.Queue{Name: name, Messages: len(q.ready)}, nil
}

// Qos implements broker.Channel.
func (ch *Chan) Qos(prefetchCount, _ int, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// PublishWithContext implements broker.Channel. Messages published to an
// undeclared queue are dropped, as with the default exchange.
func (ch *Chan) PublishWithContext(ctx context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.b.publishErr != nil {
		return ch.b.publishErr
	}
	if q, ok := ch.b.queues[key]; ok {
		ch.b.enqueue(q, msg)
	}
	return nil
}

// Consume implements broker.Channel. Deliveries respect the prefetch limit
// set by Qos; the returned channel closes when this channel closes.
func (ch *Chan) Consume(name, consumerTag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.b.mu.Lock()
	if ch.closed {
		ch.b.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	if _, ok := ch.b.queues[name]; !ok {
		ch.b.mu.Unlock()
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	ch.b.mu.Unlock()

	out := make(chan amqp.Delivery)
	go ch.deliver(name, consumerTag, autoAck, out)
	return out, nil
}

func (ch *Chan) deliver(name, consumerTag string, autoAck bool, out chan<- amqp.Delivery) {
	defer close(out)

	for {
		ch.b.mu.Lock()
		for !ch.closed && !ch.canDeliver(name) {
			ch.b.cond.Wait()
		}
		if ch.closed {
			ch.b.mu.Unlock()
			return
		}

		q := ch.b.queues[name]
		m := q.ready[0]
		q.ready = q.ready[1:]
		m.deliveries++

		ch.nextTag++
		tag := ch.nextTag
		if !autoAck {
			ch.unacked[tag] = unacked{queue: name, msg: m}
		}
		d := ch.delivery(name, consumerTag, tag, m)
		ch.b.mu.Unlock()

		select {
		case out <- d:
		case <-ch.done:
			return
		}
	}
}

// canDeliver requires b.mu.
func (ch *Chan) canDeliver(name string) bool {
	q, ok := ch.b.queues[name]
	if !ok || len(q.ready) == 0 {
		return false
	}
	return ch.prefetch <= 0 || len(ch.unacked) < ch.prefetch
}

// delivery requires b.mu.
func (ch *Chan) delivery(name, consumerTag string, tag uint64, m *message) amqp.Delivery {
	headers := amqp.Table{}
	for k, v := range m.pub.Headers {
		headers[k] = v
	}
	if ch.b.deliveryCount && m.deliveries > 1 {
		headers[DeliveryCountHeader] = int64(m.deliveries - 1)
	}

	return amqp.Delivery{
		Acknowledger:  ch,
		Headers:       headers,
		ContentType:   m.pub.ContentType,
		DeliveryMode:  m.pub.DeliveryMode,
		CorrelationId: m.pub.CorrelationId,
		MessageId:     m.pub.MessageId,
		Timestamp:     m.pub.Timestamp,
		Type:          m.pub.Type,
		ConsumerTag:   consumerTag,
		DeliveryTag:   tag,
		Redelivered:   m.redelivered,
		RoutingKey:    name,
		Body:          m.pub.Body,
	}
}

// Ack implements amqp.Acknowledger.
func (ch *Chan) Ack(tag uint64, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if _, err := ch.take(tag); err != nil {
		return err
	}
	ch.b.acks++
	ch.b.cond.Broadcast()
	return nil
}

// Nack implements amqp.Acknowledger.
func (ch *Chan) Nack(tag uint64, _ bool, requeue bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	u, err := ch.take(tag)
	if err != nil {
		return err
	}
	ch.b.nacks++
	if requeue {
		ch.b.requeue(u.queue, u.msg)
	}
	ch.b.cond.Broadcast()
	return nil
}

// Reject implements amqp.Acknowledger.
func (ch *Chan) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// take removes an unacked delivery. Requires b.mu.
func (ch *Chan) take(tag uint64) (unacked, error) {
	if ch.closed {
		return unacked{}, amqp.ErrClosed
	}
	u, ok := ch.unacked[tag]
	if !ok {
		return unacked{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
	}
	delete(ch.unacked, tag)
	return u, nil
}

// NotifyClose implements broker.Channel.
func (ch *Chan) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// Close implements broker.Channel.
func (ch *Chan) Close() error {
	ch.b.mu.Lock()
	closed := ch.closed
	ch.b.mu.Unlock()
	if closed {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)
	return nil
}

// Fail closes the channel with a server-side channel error, leaving the
// connection open.
func (ch *Chan) Fail(code int, reason string) {
	ch.shutdown(&amqp.Error{Code: code, Reason: reason, Server: true})
}

// shutdown closes the channel and requeues its unacked deliveries.
func (ch *Chan) shutdown(reason *amqp.Error) {
	ch.b.mu.Lock()
	if ch.closed {
		ch.b.mu.Unlock()
		return
	}
	ch.closed = true

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	// requeue newest first so the oldest ends up at the head
	slices.SortFunc(tags, func(a, b uint64) int { return cmp.Compare(b, a) })
	for _, tag := range tags {
		u := ch.unacked[tag]
		ch.b.requeue(u.queue, u.msg)
	}
	ch.unacked = map[uint64]unacked{}

	notify := ch.notify
	ch.notify = nil
	close(ch.done)
	ch.b.cond.Broadcast()
	ch.b.mu.Unlock()

	signal(notify, reason)
}
