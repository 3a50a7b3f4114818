package request

import "github.com/edvin/iotgate/internal/model"

// RegisterWebhook holds the request body for registering a webhook endpoint.
type RegisterWebhook struct {
	URL     string                             `json:"url" validate:"required,url,max=2048"`
	Events  []string                           `json:"events" validate:"required,min=1,dive,event"`
	Filters map[string][]model.FilterCondition `json:"filters,omitempty" validate:"omitempty,dive,keys,event,endkeys,dive"`
}
