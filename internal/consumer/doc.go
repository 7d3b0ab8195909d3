// Package consumer drains the task work queue.
//
// A Consumer subscribes with a prefetch limit of one, hands each decoded
// event to a Dispatcher and acknowledges it on success. Decode and handler
// failures are negatively acknowledged with requeue so the broker redelivers
// the message. A message that keeps failing is moved to a dead-letter queue
// once it has been delivered MaxDeliveries times; attempts are counted from
// the broker's x-delivery-count header when present and from a DeliveryLog
// otherwise.
//
// When the connection drops the delivery channel closes; the consumer waits
// for the broker Manager to reconnect and subscribes again.
package consumer
