package api

import (
	"time"

	"github.com/phrazzld/taskpipe/internal/events"
)

// TaskEventRequest is the body of POST /api/task-events.
type TaskEventRequest struct {
	Action    string     `json:"action"`
	TaskID    string     `json:"taskId"`
	UserID    string     `json:"userId"`
	Title     string     `json:"title"`
	OldStatus string     `json:"oldStatus,omitempty"`
	NewStatus string     `json:"newStatus,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// TaskEvent converts the request into an event, filling the timestamp with
// now when it was omitted.
func (r TaskEventRequest) TaskEvent(now time.Time) events.TaskEvent {
	ev := events.TaskEvent{
		Action:    events.Action(r.Action),
		TaskID:    r.TaskID,
		UserID:    r.UserID,
		Title:     r.Title,
		OldStatus: events.Status(r.OldStatus),
		NewStatus: events.Status(r.NewStatus),
		Timestamp: now.UTC(),
	}
	if r.Timestamp != nil {
		ev.Timestamp = r.Timestamp.UTC()
	}
	return ev
}

// TaskEventResponse is returned with 202 Accepted.
type TaskEventResponse struct {
	Queued bool `json:"queued"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Broker string `json:"broker"`
}
