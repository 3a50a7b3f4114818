package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/iotgate/internal/api/request"
	"github.com/edvin/iotgate/internal/api/response"
	"github.com/edvin/iotgate/internal/credential"
	"github.com/edvin/iotgate/internal/model"
)

// KeyStore is the subset of *credential.Store used by the key endpoints.
type KeyStore interface {
	Issue(ctx context.Context, p credential.IssueParams) (*model.APIKey, string, error)
	Rotate(ctx context.Context, accountID, keyID, actor string) (*model.APIKey, string, error)
	Revoke(ctx context.Context, accountID, keyID, actor string) error
	Get(ctx context.Context, accountID, keyID string) (*model.APIKey, error)
	List(ctx context.Context, accountID string, limit int, cursor string) ([]model.APIKey, bool, error)
}

// APIKey handles API key management endpoints. Every operation is scoped to
// the caller's account.
type APIKey struct {
	store KeyStore
}

// NewAPIKey creates a new APIKey handler.
func NewAPIKey(store KeyStore) *APIKey {
	return &APIKey{store: store}
}

// issuedKey carries the plaintext secret, which is shown only once.
type issuedKey struct {
	*model.APIKey
	Key string `json:"key"`
}

// Create issues a new API key for the caller's account.
func (h *APIKey) Create(w http.ResponseWriter, r *http.Request) {
	key := caller(w, r)
	if key == nil {
		return
	}

	var req request.IssueKey
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, r, err)
		return
	}

	issued, secret, err := h.store.Issue(r.Context(), credential.IssueParams{
		AccountID: key.AccountID,
		Name:      req.Name,
		Scopes:    req.Scopes,
		ExpiresAt: req.ExpiresAt,
		Actor:     actor(key),
	})
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	response.WriteData(w, r, http.StatusCreated, issuedKey{APIKey: issued, Key: secret})
}

// List lists the account's API keys with cursor-based pagination.
func (h *APIKey) List(w http.ResponseWriter, r *http.Request) {
	key := caller(w, r)
	if key == nil {
		return
	}
	pg := request.ParsePagination(r)

	keys, hasMore, err := h.store.List(r.Context(), key.AccountID, pg.Limit, pg.Cursor)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	var cursor string
	if hasMore && len(keys) > 0 {
		cursor = keys[len(keys)-1].ID
	}
	response.WritePaginated(w, r, keys, cursor, hasMore)
}

// Get retrieves an API key by ID.
func (h *APIKey) Get(w http.ResponseWriter, r *http.Request) {
	key := caller(w, r)
	if key == nil {
		return
	}
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	found, err := h.store.Get(r.Context(), key.AccountID, id)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	response.WriteData(w, r, http.StatusOK, found)
}

// Rotate replaces the secret of an API key. The old secret stops working
// immediately and the new one is returned once.
func (h *APIKey) Rotate(w http.ResponseWriter, r *http.Request) {
	key := caller(w, r)
	if key == nil {
		return
	}
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	rotated, secret, err := h.store.Rotate(r.Context(), key.AccountID, id, actor(key))
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	response.WriteData(w, r, http.StatusOK, issuedKey{APIKey: rotated, Key: secret})
}

// Revoke deactivates an API key. Revoking an already revoked key succeeds.
func (h *APIKey) Revoke(w http.ResponseWriter, r *http.Request) {
	key := caller(w, r)
	if key == nil {
		return
	}
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	if err := h.store.Revoke(r.Context(), key.AccountID, id, actor(key)); err != nil {
		response.WriteError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
