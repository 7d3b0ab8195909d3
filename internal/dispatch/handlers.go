package dispatch

import (
	"context"
	"time"

	"github.com/phrazzld/taskpipe/internal/events"
	"github.com/phrazzld/taskpipe/internal/platform/logger"
)

// DefaultProcessingDelay is the simulated cost of handling one event.
const DefaultProcessingDelay = 500 * time.Millisecond

// Emitter publishes notification events.
type Emitter interface {
	Emit(ctx context.Context, n events.NotificationEvent) error
}

// TaskHandlers are the built-in handlers for the three task actions.
type TaskHandlers struct {
	emitter Emitter
	delay   time.Duration
	now     func() time.Time
}

// NewTaskHandlers creates the built-in handlers. A negative delay is treated
// as zero.
func NewTaskHandlers(emitter Emitter, delay time.Duration) *TaskHandlers {
	return &TaskHandlers{
		emitter: emitter,
		delay:   max(delay, 0),
		now:     time.Now,
	}
}

// RegisterDefaults registers the built-in handlers on d.
func RegisterDefaults(d *Dispatcher, emitter Emitter, delay time.Duration) {
	h := NewTaskHandlers(emitter, delay)
	d.Register(events.ActionCreated, HandlerFunc(h.Created))
	d.Register(events.ActionStatusChanged, HandlerFunc(h.StatusChanged))
	d.Register(events.ActionDeleted, HandlerFunc(h.Deleted))
}

// Created emits a TASK_CREATED notification.
func (h *TaskHandlers) Created(ctx context.Context, ev events.TaskEvent) error {
	logger.FromContext(ctx).Info("processing task creation", "title", ev.Title)
	return h.process(ctx, events.NotificationTaskCreated, ev)
}

// StatusChanged emits a TASK_COMPLETED notification when the task was
// completed. Reverting to pending is only logged.
func (h *TaskHandlers) StatusChanged(ctx context.Context, ev events.TaskEvent) error {
	logger.FromContext(ctx).Info("processing task status change",
		"old_status", ev.OldStatus,
		"new_status", ev.NewStatus)

	if ev.NewStatus != events.StatusCompleted {
		return wait(ctx, h.delay)
	}
	return h.process(ctx, events.NotificationTaskCompleted, ev)
}

// Deleted emits a TASK_DELETED notification.
func (h *TaskHandlers) Deleted(ctx context.Context, ev events.TaskEvent) error {
	logger.FromContext(ctx).Info("processing task deletion", "title", ev.Title)
	return h.process(ctx, events.NotificationTaskDeleted, ev)
}

func (h *TaskHandlers) process(ctx context.Context, t events.NotificationType, ev events.TaskEvent) error {
	if err := wait(ctx, h.delay); err != nil {
		return err
	}
	return h.emitter.Emit(ctx, events.NewNotification(t, ev, h.now()))
}

// wait sleeps for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
