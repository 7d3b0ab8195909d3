package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Common errors returned when building or decoding events
var (
	ErrInvalidEvent  = errors.New("invalid task event")
	ErrUnknownAction = errors.New("unknown task action")
)

// Action identifies the task mutation a TaskEvent describes.
type Action string

// Supported task actions
const (
	ActionCreated       Action = "TASK_CREATED"
	ActionStatusChanged Action = "TASK_STATUS_CHANGED"
	ActionDeleted       Action = "TASK_DELETED"
)

// Known reports whether a is one of the supported actions.
func (a Action) Known() bool {
	switch a {
	case ActionCreated, ActionStatusChanged, ActionDeleted:
		return true
	}
	return false
}

// Status is the completion status carried by status-change events.
type Status string

// Possible task status values
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// StatusOf maps a completion flag to its Status.
func StatusOf(completed bool) Status {
	if completed {
		return StatusCompleted
	}
	return StatusPending
}

// TaskEvent is the work-queue message published after a task mutation.
type TaskEvent struct {
	// Action selects the handler on the consumer side
	Action Action `json:"action" validate:"required"`

	// TaskID and UserID are opaque identifiers owned by the task service
	TaskID string `json:"taskId" validate:"required"`
	UserID string `json:"userId" validate:"required"`

	// Title is the task's display text at the time of the event
	Title string `json:"title" validate:"required"`

	// OldStatus and NewStatus are only set for ActionStatusChanged
	OldStatus Status `json:"oldStatus,omitempty"`
	NewStatus Status `json:"newStatus,omitempty"`

	// Timestamp is when the event was created
	Timestamp time.Time `json:"timestamp"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the fields every TaskEvent must carry. It does not reject
// unknown actions; use ValidateForPublish for that.
func (e TaskEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}

	if e.Action == ActionStatusChanged {
		if !e.OldStatus.valid() || !e.NewStatus.valid() {
			return fmt.Errorf("%w: status change requires oldStatus and newStatus of %q or %q",
				ErrInvalidEvent, StatusPending, StatusCompleted)
		}
	} else if e.OldStatus != "" || e.NewStatus != "" {
		return fmt.Errorf("%w: statuses are only allowed on %s", ErrInvalidEvent, ActionStatusChanged)
	}

	return nil
}

// ValidateForPublish is Validate plus a check that the action is known.
// Producers must never put an unknown action on the work queue.
func (e TaskEvent) ValidateForPublish() error {
	if !e.Action.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, e.Action)
	}
	return e.Validate()
}

func (s Status) valid() bool {
	return s == StatusPending || s == StatusCompleted
}

// NewCreatedEvent builds the event published after a task is created.
func NewCreatedEvent(taskID, userID, title string) TaskEvent {
	return TaskEvent{
		Action:    ActionCreated,
		TaskID:    taskID,
		UserID:    userID,
		Title:     title,
		Timestamp: time.Now().UTC(),
	}
}

// NewStatusChangedEvent builds the event published after a task's completion
// flag is updated. ok is false when the flag did not change, in which case no
// event should be published.
func NewStatusChangedEvent(taskID, userID, title string, wasCompleted, isCompleted bool) (TaskEvent, bool) {
	if wasCompleted == isCompleted {
		return TaskEvent{}, false
	}
	return TaskEvent{
		Action:    ActionStatusChanged,
		TaskID:    taskID,
		UserID:    userID,
		Title:     title,
		OldStatus: StatusOf(wasCompleted),
		NewStatus: StatusOf(isCompleted),
		Timestamp: time.Now().UTC(),
	}, true
}

// NewDeletedEvent builds the event published after a task is deleted.
func NewDeletedEvent(taskID, userID, title string) TaskEvent {
	return TaskEvent{
		Action:    ActionDeleted,
		TaskID:    taskID,
		UserID:    userID,
		Title:     title,
		Timestamp: time.Now().UTC(),
	}
}

// Encode serializes a message for the broker.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return body, nil
}

// DecodeTaskEvent parses a work-queue payload. Only the JSON shape is checked;
// callers decide whether to validate fields.
func DecodeTaskEvent(body []byte) (TaskEvent, error) {
	var e TaskEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return TaskEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return e, nil
}
