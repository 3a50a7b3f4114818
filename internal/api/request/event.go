package request

// PublishEvent holds the request body for POST /events. Events are always
// scoped to the caller's account.
type PublishEvent struct {
	Event string         `json:"event" validate:"required,event"`
	Data  map[string]any `json:"data" validate:"required"`
}
