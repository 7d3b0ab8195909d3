// Package publisher hands task lifecycle events to the broker on a
// best-effort basis.
//
// Publishing never fails the caller: every problem (invalid event, broker
// unreachable, publish rejected) is logged and reported as a false return.
// Request handlers that must not wait on the broker use PublishAsync.
package publisher
