package api

import (
	"net/http"

	"github.com/phrazzld/taskpipe/internal/api/shared"
	"github.com/phrazzld/taskpipe/internal/broker"
)

// StateReporter exposes the broker connection state.
type StateReporter interface {
	State() broker.State
}

// HealthHandler serves GET /healthz.
type HealthHandler struct {
	broker StateReporter
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(b StateReporter) *HealthHandler {
	return &HealthHandler{broker: b}
}

// Health reports the broker state: 200 when connected, 503 otherwise.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	state := h.broker.State()

	status := http.StatusOK
	if state != broker.StateConnected {
		status = http.StatusServiceUnavailable
	}
	shared.RespondWithJSON(w, r, status, HealthResponse{Broker: state.String()})
}
