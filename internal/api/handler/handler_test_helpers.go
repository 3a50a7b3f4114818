package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"

	mw "github.com/edvin/iotgate/internal/api/middleware"
	"github.com/edvin/iotgate/internal/model"
)

// newRequest creates a new HTTP request with an optional JSON body.
func newRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r
}

// newRequestRaw creates a new HTTP request with a raw string body.
func newRequestRaw(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withChiURLParam adds a chi URL parameter to the request context.
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// withCaller injects the authenticated key the gate would have set.
func withCaller(r *http.Request) *http.Request {
	return r.WithContext(mw.WithAPIKey(r.Context(), testKey()))
}

func testKey() *model.APIKey {
	return &model.APIKey{
		ID:        "key-caller",
		AccountID: testAccount,
		Name:      "ci",
		Scopes:    model.AllScopes,
		Tier:      "pro",
		Active:    true,
	}
}

// envelope mirrors response.Envelope with raw data for decoding in tests.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeEnvelope(rec *httptest.ResponseRecorder) envelope {
	var env envelope
	json.Unmarshal(rec.Body.Bytes(), &env)
	return env
}

type page struct {
	Items      json.RawMessage `json:"items"`
	NextCursor string          `json:"next_cursor"`
	HasMore    bool            `json:"has_more"`
}

const (
	testAccount = "acct-1"
	validID     = "test-id-1"
	callerActor = "api_key:key-caller"
)
