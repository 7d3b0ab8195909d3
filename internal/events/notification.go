package events

import (
	"fmt"
	"time"
)

// NotificationType identifies the kind of notification derived from a task event.
type NotificationType string

// Notification types
const (
	NotificationTaskCreated   NotificationType = "TASK_CREATED"
	NotificationTaskCompleted NotificationType = "TASK_COMPLETED"
	NotificationTaskDeleted   NotificationType = "TASK_DELETED"
)

// NotificationEvent is the notification-queue message.
type NotificationEvent struct {
	Type      NotificationType `json:"type"`
	UserID    string           `json:"userId"`
	TaskID    string           `json:"taskId"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewNotification derives a notification of the given type from a task event.
// The message text depends only on the type and the task title.
func NewNotification(t NotificationType, source TaskEvent, now time.Time) NotificationEvent {
	return NotificationEvent{
		Type:      t,
		UserID:    source.UserID,
		TaskID:    source.TaskID,
		Title:     source.Title,
		Message:   MessageFor(t, source.Title),
		Timestamp: now.UTC(),
	}
}

// MessageFor returns the human-readable text for a notification.
func MessageFor(t NotificationType, title string) string {
	switch t {
	case NotificationTaskCreated:
		return fmt.Sprintf(`New task "%s" has been created.`, title)
	case NotificationTaskCompleted:
		return fmt.Sprintf(`Congratulations! Your task "%s" has been completed.`, title)
	case NotificationTaskDeleted:
		return fmt.Sprintf(`Task "%s" has been deleted.`, title)
	default:
		return fmt.Sprintf(`Task "%s" was updated.`, title)
	}
}
