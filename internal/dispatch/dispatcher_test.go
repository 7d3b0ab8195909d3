package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/taskpipe/internal/dispatch"
	"github.com/phrazzld/taskpipe/internal/events"
	"github.com/phrazzld/taskpipe/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEmitter records emitted notifications.
type mockEmitter struct {
	mu   sync.Mutex
	sent []events.NotificationEvent
	err  error
}

func (m *mockEmitter) Emit(_ context.Context, n events.NotificationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, n)
	return nil
}

func (m *mockEmitter) notifications() []events.NotificationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.NotificationEvent(nil), m.sent...)
}

func newDispatcher(emitter dispatch.Emitter, delay time.Duration) *dispatch.Dispatcher {
	d := dispatch.NewDispatcher(logger.Discard())
	dispatch.RegisterDefaults(d, emitter, delay)
	return d
}

func taskEvent(action events.Action) events.TaskEvent {
	return events.TaskEvent{
		Action:    action,
		TaskID:    "t1",
		UserID:    "u1",
		Title:     "Buy milk",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func statusEvent(oldStatus, newStatus events.Status) events.TaskEvent {
	ev := taskEvent(events.ActionStatusChanged)
	ev.OldStatus = oldStatus
	ev.NewStatus = newStatus
	return ev
}

func TestDispatchEmitsNotifications(t *testing.T) {
	testCases := []struct {
		name        string
		event       events.TaskEvent
		wantType    events.NotificationType
		wantMessage string
		wantCount   int
	}{
		{
			name:        "created",
			event:       taskEvent(events.ActionCreated),
			wantType:    events.NotificationTaskCreated,
			wantMessage: `New task "Buy milk" has been created.`,
			wantCount:   1,
		},
		{
			name:        "completed",
			event:       statusEvent(events.StatusPending, events.StatusCompleted),
			wantType:    events.NotificationTaskCompleted,
			wantMessage: `Congratulations! Your task "Buy milk" has been completed.`,
			wantCount:   1,
		},
		{
			name:      "reverted to pending",
			event:     statusEvent(events.StatusCompleted, events.StatusPending),
			wantCount: 0,
		},
		{
			name:        "deleted",
			event:       taskEvent(events.ActionDeleted),
			wantType:    events.NotificationTaskDeleted,
			wantMessage: `Task "Buy milk" has been deleted.`,
			wantCount:   1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			emitter := &mockEmitter{}
			d := newDispatcher(emitter, 0)

			require.NoError(t, d.Dispatch(context.Background(), tc.event))

			sent := emitter.notifications()
			require.Len(t, sent, tc.wantCount)
			if tc.wantCount == 0 {
				return
			}
			n := sent[0]
			assert.Equal(t, tc.wantType, n.Type)
			assert.Equal(t, "t1", n.TaskID)
			assert.Equal(t, "u1", n.UserID)
			assert.Equal(t, "Buy milk", n.Title)
			assert.Equal(t, tc.wantMessage, n.Message)
			assert.Equal(t, time.UTC, n.Timestamp.Location())
		})
	}
}

func TestDispatchUnknownAction(t *testing.T) {
	emitter := &mockEmitter{}
	d := newDispatcher(emitter, 0)

	log, buf := logger.NewTestLogger(t)
	ctx := logger.WithLogger(context.Background(), log)

	err := d.Dispatch(ctx, taskEvent("TASK_ARCHIVED"))
	assert.NoError(t, err, "unknown actions must not be retried")
	assert.Empty(t, emitter.notifications())

	entry, ok := buf.Find("unknown task event action, dropping")
	require.True(t, ok)
	assert.Equal(t, "TASK_ARCHIVED", entry["action"])
}

func TestDispatchInvalidEvent(t *testing.T) {
	emitter := &mockEmitter{}
	d := newDispatcher(emitter, 0)

	ev := taskEvent(events.ActionCreated)
	ev.Title = ""

	err := d.Dispatch(context.Background(), ev)
	assert.ErrorIs(t, err, events.ErrInvalidEvent)
	assert.Empty(t, emitter.notifications())
}

func TestDispatchEmitterFailure(t *testing.T) {
	emitErr := errors.New("broker not connected")
	d := newDispatcher(&mockEmitter{err: emitErr}, 0)

	err := d.Dispatch(context.Background(), taskEvent(events.ActionDeleted))
	require.Error(t, err)
	assert.ErrorIs(t, err, emitErr)
	assert.Contains(t, err.Error(), "handler for TASK_DELETED failed")
}

func TestProcessingDelay(t *testing.T) {
	emitter := &mockEmitter{}
	d := newDispatcher(emitter, 30*time.Millisecond)

	start := time.Now()
	require.NoError(t, d.Dispatch(context.Background(), taskEvent(events.ActionCreated)))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Len(t, emitter.notifications(), 1)
}

func TestProcessingDelayHonoursCancellation(t *testing.T) {
	emitter := &mockEmitter{}
	d := newDispatcher(emitter, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.Dispatch(ctx, taskEvent(events.ActionCreated))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, emitter.notifications())
}

func TestRegisterOverridesHandler(t *testing.T) {
	emitter := &mockEmitter{}
	d := newDispatcher(emitter, 0)

	var got events.TaskEvent
	d.Register(events.ActionCreated, dispatch.HandlerFunc(func(_ context.Context, ev events.TaskEvent) error {
		got = ev
		return nil
	}))

	ev := taskEvent(events.ActionCreated)
	require.NoError(t, d.Dispatch(context.Background(), ev))
	assert.Equal(t, ev, got)
	assert.Empty(t, emitter.notifications())
}
