package model

import (
	"encoding/json"
	"time"
)

// Webhook event types.
const (
	EventPatternDetected = "pattern.detected"
	EventAlertTriggered  = "alert.triggered"
	EventAlertResolved   = "alert.resolved"
	EventExportCompleted = "export.completed"
	EventExportFailed    = "export.failed"
	EventDeviceOffline   = "device.offline"
	EventDeviceOnline    = "device.online"
	EventWebhookTest     = "webhook.test"
)

// SubscribableEvents lists the events an endpoint may subscribe to.
var SubscribableEvents = []string{
	EventPatternDetected,
	EventAlertTriggered,
	EventAlertResolved,
	EventExportCompleted,
	EventExportFailed,
	EventDeviceOffline,
	EventDeviceOnline,
}

// Delivery attempt statuses.
const (
	DeliveryPending        = "pending"
	DeliveryDelivered      = "delivered"
	DeliveryRetryScheduled = "retry_scheduled"
	DeliveryRetrying       = "retrying"
	DeliveryFailed         = "failed"
)

// FilterOp is a comparison used by per-event webhook filters.
type FilterOp string

const (
	FilterEq     FilterOp = "eq"
	FilterNeq    FilterOp = "neq"
	FilterIn     FilterOp = "in"
	FilterGte    FilterOp = "gte"
	FilterLte    FilterOp = "lte"
	FilterExists FilterOp = "exists"
)

// FilterCondition matches one field of an event's data object.
type FilterCondition struct {
	Field string   `json:"field" validate:"required"`
	Op    FilterOp `json:"op" validate:"required,oneof=eq neq in gte lte exists"`
	Value any      `json:"value,omitempty"`
}

// WebhookEndpoint is a caller-registered target for event notifications.
type WebhookEndpoint struct {
	ID                   string                       `json:"id" db:"id"`
	AccountID            string                       `json:"account_id" db:"account_id"`
	URL                  string                       `json:"url" db:"url"`
	Events               []string                     `json:"events" db:"events"`
	Filters              map[string][]FilterCondition `json:"filters,omitempty" db:"filters"`
	Secret               string                       `json:"-" db:"secret"`
	Active               bool                         `json:"active" db:"active"`
	TotalDeliveries      int64                        `json:"total_deliveries" db:"total_deliveries"`
	SuccessfulDeliveries int64                        `json:"successful_deliveries" db:"successful_deliveries"`
	FailedDeliveries     int64                        `json:"failed_deliveries" db:"failed_deliveries"`
	LastDeliveryAt       *time.Time                   `json:"last_delivery_at,omitempty" db:"last_delivery_at"`
	CreatedAt            time.Time                    `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time                    `json:"updated_at" db:"updated_at"`
}

// Subscribed reports whether the endpoint listens for event.
func (e *WebhookEndpoint) Subscribed(event string) bool {
	for _, ev := range e.Events {
		if ev == event {
			return true
		}
	}
	return false
}

// WebhookDeliveryAttempt is one HTTP try to push a payload to an endpoint.
type WebhookDeliveryAttempt struct {
	ID             string          `json:"id" db:"id"`
	DeliveryID     string          `json:"delivery_id" db:"delivery_id"`
	EndpointID     string          `json:"endpoint_id" db:"endpoint_id"`
	EventType      string          `json:"event_type" db:"event_type"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	Attempt        int             `json:"attempt" db:"attempt"`
	Status         string          `json:"status" db:"status"`
	ResponseStatus *int            `json:"response_status,omitempty" db:"response_status"`
	ResponseBody   *string         `json:"response_body,omitempty" db:"response_body"`
	Error          *string         `json:"error,omitempty" db:"error"`
	IsTest         bool            `json:"is_test" db:"is_test"`
	SentAt         time.Time       `json:"sent_at" db:"sent_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty" db:"delivered_at"`
	FailedAt       *time.Time      `json:"failed_at,omitempty" db:"failed_at"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
}
