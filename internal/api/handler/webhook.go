package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/iotgate/internal/api/request"
	"github.com/edvin/iotgate/internal/api/response"
	"github.com/edvin/iotgate/internal/model"
	"github.com/edvin/iotgate/internal/webhook"
)

// WebhookService is the subset of *webhook.Engine used by the webhook
// endpoints.
type WebhookService interface {
	Register(ctx context.Context, p webhook.RegisterParams) (*model.WebhookEndpoint, string, error)
	Get(ctx context.Context, accountID, id string) (*model.WebhookEndpoint, error)
	List(ctx context.Context, accountID string, limit int, cursor string) ([]model.WebhookEndpoint, bool, error)
	Deactivate(ctx context.Context, accountID, id, actor string) error
	Deliveries(ctx context.Context, accountID, id string, limit int, cursor string) ([]model.WebhookDeliveryAttempt, bool, error)
	Test(ctx context.Context, accountID, id string) (webhook.DeliveryResult, error)
}

// Webhook handles webhook endpoint management.
type Webhook struct {
	svc WebhookService
}

// NewWebhook creates a new Webhook handler.
func NewWebhook(svc WebhookService) *Webhook {
	return &Webhook{svc: svc}
}

// registeredWebhook carries the signing secret, which is shown only once.
type registeredWebhook struct {
	*model.WebhookEndpoint
	Secret string `json:"secret"`
}

// Create registers a webhook endpoint for the caller's account.
func (h *Webhook) Create(w http.ResponseWriter, r *http.Request) {
	key := caller(w, r)
	if key == nil {
		return
	}

	var req request.RegisterWebhook
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, r, err)
		return
	}

	ep, secret, err := h.svc.Register(r.Context(), webhook.RegisterParams{
		AccountID: key.AccountID,
		URL:       req.URL,
		Events:    req.Events,
		Filters:   req.Filters,
		Actor:     actor(key),
	})
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	response.WriteData(w, r, http.StatusCreated, registeredWebhook{WebhookEndpoint: ep, Secret: secret})
}

// List lists the account's webhook endpoints.
func (h *Webhook) List(w http.ResponseWriter, r *http.Request) {
	key := caller(w, r)
	if key == nil {
		return
	}
	pg := request.ParsePagination(r)

	eps, hasMore, err := h.svc.List(r.Context(), key.AccountID, pg.Limit, pg.Cursor)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	var cursor string
	if hasMore && len(eps) > 0 {
		cursor = eps[len(eps)-1].ID
	}
	response.WritePaginated(w, r, eps, cursor, hasMore)
}

// Get retrieves a webhook endpoint with its delivery statistics.
func (h *Webhook) Get(w http.ResponseWriter, r *http.Request) {
	key := caller(w, r)
	if key == nil {
		return
	}
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	ep, err := h.svc.Get(r.Context(), key.AccountID, id)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	response.WriteData(w, r, http.StatusOK, ep)
}

// Delete deactivates a webhook endpoint. Pending retries to it are dropped.
func (h *Webhook) Delete(w http.ResponseWriter, r *http.Request) {
	key := caller(w, r)
	if key == nil {
		return
	}
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	if err := h.svc.Deactivate(r.Context(), key.AccountID, id, actor(key)); err != nil {
		response.WriteError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Test sends a webhook.test event to the endpoint and reports the outcome. A
// failed delivery answers DELIVERY_FAILED with the attempt in the details.
func (h *Webhook) Test(w http.ResponseWriter, r *http.Request) {
	key := caller(w, r)
	if key == nil {
		return
	}
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	res, err := h.svc.Test(r.Context(), key.AccountID, id)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	if err := res.Err(); err != nil {
		response.WriteError(w, r, err)
		return
	}

	response.WriteData(w, r, http.StatusOK, res)
}

// Deliveries lists delivery attempts for an endpoint, oldest first.
func (h *Webhook) Deliveries(w http.ResponseWriter, r *http.Request) {
	key := caller(w, r)
	if key == nil {
		return
	}
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	pg := request.ParsePagination(r)

	attempts, hasMore, err := h.svc.Deliveries(r.Context(), key.AccountID, id, pg.Limit, pg.Cursor)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	var cursor string
	if hasMore && len(attempts) > 0 {
		cursor = attempts[len(attempts)-1].ID
	}
	response.WritePaginated(w, r, attempts, cursor, hasMore)
}
