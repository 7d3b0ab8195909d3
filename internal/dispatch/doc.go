// Package dispatch routes decoded task events to their handlers.
//
// The default handlers turn task events into notification events after a
// configurable processing delay that stands in for real downstream work.
// Events with an action no handler is registered for are logged and
// dropped so that forward-incompatible producers cannot poison the queue.
package dispatch
