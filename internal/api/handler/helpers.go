package handler

import (
	"net/http"

	mw "github.com/edvin/iotgate/internal/api/middleware"
	"github.com/edvin/iotgate/internal/api/response"
	"github.com/edvin/iotgate/internal/apperr"
	"github.com/edvin/iotgate/internal/model"
)

// caller returns the authenticated key for the request. The gate always sets
// it on routes mounted behind it, so a missing key writes an error and returns
// nil.
func caller(w http.ResponseWriter, r *http.Request) *model.APIKey {
	key := mw.GetAPIKey(r.Context())
	if key == nil {
		response.WriteErrorCode(w, r, apperr.MissingCredential, "authentication required")
		return nil
	}
	return key
}

// actor names the caller in audit entries.
func actor(key *model.APIKey) string {
	return "api_key:" + key.ID
}
