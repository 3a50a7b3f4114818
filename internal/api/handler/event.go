package handler

import (
	"context"
	"net/http"

	"github.com/edvin/iotgate/internal/api/request"
	"github.com/edvin/iotgate/internal/api/response"
)

// Triggerer fans an event out to matching webhook endpoints.
type Triggerer interface {
	Trigger(ctx context.Context, event string, data map[string]any, accountID string) (int, error)
}

// Event accepts events published by callers. Events only reach endpoints of
// the caller's own account.
type Event struct {
	engine Triggerer
}

// NewEvent creates a new Event handler.
func NewEvent(engine Triggerer) *Event {
	return &Event{engine: engine}
}

type publishResult struct {
	Event     string `json:"event"`
	Endpoints int    `json:"endpoints"`
}

// Publish triggers an event for the caller's account.
func (h *Event) Publish(w http.ResponseWriter, r *http.Request) {
	key := caller(w, r)
	if key == nil {
		return
	}

	var req request.PublishEvent
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, r, err)
		return
	}

	n, err := h.engine.Trigger(r.Context(), req.Event, req.Data, key.AccountID)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	response.WriteData(w, r, http.StatusAccepted, publishResult{Event: req.Event, Endpoints: n})
}
