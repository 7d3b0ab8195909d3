package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the subset of *amqp.Connection the Manager uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Channel is the subset of *amqp.Channel the Manager uses.
// *amqp.Channel satisfies it directly.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a new broker connection.
type Dialer func(ctx context.Context, url string) (Connection, error)

var _ Channel = (*amqp.Channel)(nil)

// AMQPDialer returns a Dialer backed by amqp091-go. The TCP dial and the
// AMQP handshake are both bounded by timeout.
func AMQPDialer(timeout time.Duration, connectionName string) Dialer {
	return func(ctx context.Context, url string) (Connection, error) {
		props := amqp.NewConnectionProperties()
		if connectionName != "" {
			props.SetClientConnectionName(connectionName)
		}

		type result struct {
			conn *amqp.Connection
			err  error
		}
		done := make(chan result, 1)
		go func() {
			conn, err := amqp.DialConfig(url, amqp.Config{
				Heartbeat:  10 * time.Second,
				Locale:     "en_US",
				Properties: props,
				Dial:       amqp.DefaultDial(timeout),
			})
			done <- result{conn: conn, err: err}
		}()

		select {
		case res := <-done:
			if res.err != nil {
				return nil, res.err
			}
			return &amqpConnection{Connection: res.conn}, nil
		case <-ctx.Done():
			// the dial goroutine still owns its connection; close it once it lands
			go func() {
				if res := <-done; res.conn != nil {
					_ = res.conn.Close()
				}
			}()
			return nil, fmt.Errorf("dial aborted: %w", ctx.Err())
		}
	}
}

// amqpConnection adapts *amqp.Connection to Connection.
type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
