package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/taskpipe/internal/api/shared"
	"github.com/phrazzld/taskpipe/internal/events"
)

// EventPublisher hands task events to the broker.
type EventPublisher interface {
	Publish(ctx context.Context, ev events.TaskEvent) bool
}

// TaskEventHandler serves the task event endpoint.
type TaskEventHandler struct {
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewTaskEventHandler creates a TaskEventHandler.
func NewTaskEventHandler(publisher EventPublisher, log *slog.Logger) *TaskEventHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TaskEventHandler{
		publisher: publisher,
		logger:    log.With("component", "task_event_handler"),
		now:       time.Now,
	}
}

// Publish handles POST /api/task-events.
//
// Invalid events are rejected with 400. A valid event always gets 202; the
// body reports whether it reached the broker. When the request is
// authenticated, userId defaults to the token subject and may not differ from it.
func (h *TaskEventHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req TaskEventRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	if subject, ok := shared.GetSubject(r.Context()); ok {
		switch req.UserID {
		case "":
			req.UserID = subject
		case subject:
		default:
			shared.RespondWithError(w, r, http.StatusForbidden, "userId does not match token subject")
			return
		}
	}

	ev := req.TaskEvent(h.now())
	if err := ev.ValidateForPublish(); err != nil {
		message := "Invalid task event"
		if errors.Is(err, events.ErrUnknownAction) {
			message = "Unknown task action"
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, message, err)
		return
	}

	queued := h.publisher.Publish(r.Context(), ev)

	h.logger.Info("task event accepted",
		"trace_id", shared.GetTraceID(r.Context()),
		"action", ev.Action,
		"task_id", ev.TaskID,
		"queued", queued)

	shared.RespondWithJSON(w, r, http.StatusAccepted, TaskEventResponse{Queued: queued})
}
