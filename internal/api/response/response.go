package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/edvin/iotgate/internal/apperr"
)

// Meta is attached to every envelope.
type Meta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorBody is the error member of a failed envelope.
type ErrorBody struct {
	Code        apperr.Code    `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
}

// Envelope wraps every API response.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    Meta       `json:"meta"`
}

// PaginatedResponse wraps a list with pagination metadata.
type PaginatedResponse struct {
	Items      any    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

var now = time.Now

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func meta(r *http.Request) Meta {
	return Meta{RequestID: middleware.GetReqID(r.Context()), Timestamp: now().UTC()}
}

// WriteData writes a success envelope.
func WriteData(w http.ResponseWriter, r *http.Request, status int, data any) {
	WriteJSON(w, status, Envelope{Success: true, Data: data, Meta: meta(r)})
}

// WritePaginated writes a success envelope holding a page of items.
func WritePaginated(w http.ResponseWriter, r *http.Request, items any, nextCursor string, hasMore bool) {
	WriteData(w, r, http.StatusOK, PaginatedResponse{
		Items:      items,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	})
}

// WriteError writes an error envelope. Errors that are not *apperr.Error are
// reported as internal errors without leaking their text.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		e = apperr.New(apperr.Internal, "internal server error")
	}
	WriteJSON(w, e.Status(), Envelope{
		Success: false,
		Error: &ErrorBody{
			Code:        e.Code,
			Message:     e.Message,
			Details:     e.Details,
			Suggestions: e.Suggestions,
		},
		Meta: meta(r),
	})
}

// WriteErrorCode writes an error envelope for code with message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code apperr.Code, message string) {
	WriteError(w, r, apperr.New(code, message))
}
