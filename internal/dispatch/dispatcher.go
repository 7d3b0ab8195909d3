package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/taskpipe/internal/events"
	"github.com/phrazzld/taskpipe/internal/platform/logger"
)

// Handler processes one task event.
type Handler interface {
	Handle(ctx context.Context, ev events.TaskEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev events.TaskEvent) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, ev events.TaskEvent) error {
	return f(ctx, ev)
}

// Dispatcher maps actions to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[events.Action]Handler
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher with no handlers registered.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[events.Action]Handler),
		logger:   log.With("component", "dispatcher"),
	}
}

// Register sets the handler for action, replacing any previous one.
func (d *Dispatcher) Register(action events.Action, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = h
}

// Dispatch validates ev and runs the handler for its action. An action with
// no handler is logged and ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, ev events.TaskEvent) error {
	d.mu.RLock()
	h, ok := d.handlers[ev.Action]
	d.mu.RUnlock()

	log := logger.FromContext(ctx)
	if !ok {
		log.Warn("unknown task event action, dropping", "action", ev.Action)
		return nil
	}

	if err := ev.Validate(); err != nil {
		return err
	}

	if err := h.Handle(ctx, ev); err != nil {
		return fmt.Errorf("handler for %s failed: %w", ev.Action, err)
	}
	return nil
}
