// Package events defines the messages that flow through the task pipeline.
//
// Two message kinds exist:
// - TaskEvent: published by the producer to the work queue after a task
//   mutation has been committed (created, completion changed, deleted)
// - NotificationEvent: derived from a TaskEvent by the consumer and published
//   to the notification queue for downstream delivery
//
// Both are encoded as JSON with camelCase keys. A TaskEvent is never modified
// after it is published; consumers only derive new notifications from it.
package events
