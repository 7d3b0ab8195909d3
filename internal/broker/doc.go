// Package broker owns the process's single AMQP connection and channel.
//
// A Manager dials the broker, declares the durable queues the pipeline uses,
// and keeps the pair alive: when the connection or channel closes
// unexpectedly a background loop reconnects with capped exponential backoff
// until the Manager is closed. All channel operations (publish, consume, ack,
// nack) go through the Manager and are serialized under one mutex, so callers
// on different goroutines never share the channel directly.
//
// The dialer is injectable. Production code uses AMQPDialer; tests use the
// in-memory broker in package brokertest to simulate outages.
package broker
