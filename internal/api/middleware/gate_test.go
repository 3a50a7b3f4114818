package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/iotgate/internal/apperr"
	"github.com/edvin/iotgate/internal/model"
	"github.com/edvin/iotgate/internal/ratelimit"
	"github.com/edvin/iotgate/internal/tier"
)

var (
	goodSecret  = "iot_" + strings.Repeat("A", 32)
	otherSecret = "iot_" + strings.Repeat("B", 32)
)

type stubValidator struct {
	keys  map[string]*model.APIKey
	err   error
	calls int
}

func (v *stubValidator) Validate(_ context.Context, secret string) (*model.APIKey, error) {
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	return v.keys[secret], nil
}

type stubLimiter struct {
	decision  ratelimit.Decision
	err       error
	endpoints []string
}

func (l *stubLimiter) Check(_ context.Context, _, _, endpoint string) (ratelimit.Decision, error) {
	l.endpoints = append(l.endpoints, endpoint)
	return l.decision, l.err
}

type usageLog struct {
	mu      sync.Mutex
	records []model.APIUsage
}

func (u *usageLog) Record(r model.APIUsage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, r)
}

func allowAll() *stubLimiter {
	return &stubLimiter{decision: ratelimit.Decision{
		Allowed: true, Limit: 100, Remaining: 99, Reset: time.Unix(1_700_000_000, 0),
	}}
}

func newValidator() *stubValidator {
	return &stubValidator{keys: map[string]*model.APIKey{
		goodSecret: {
			ID:        "key-1",
			AccountID: "acct-1",
			Scopes:    []string{model.ScopeDevicesRead, model.ScopeAnalyticsRead},
			Active:    true,
		},
	}}
}

func okHandler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetAPIKey(r.Context()) == nil {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(status)
	})
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) apperr.Code {
	t.Helper()
	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code apperr.Code `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	return body.Error.Code
}

func serve(h http.Handler, setup func(r *http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
	if setup != nil {
		setup(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGate_MissingCredential(t *testing.T) {
	v := newValidator()
	g := NewGate(v, allowAll(), nil, zerolog.Nop())

	rec := serve(g.RequireAll(model.ScopeDevicesRead)(okHandler(200)), nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperr.MissingCredential, errorCode(t, rec))
	assert.Equal(t, 0, v.calls)
}

func TestGate_MalformedCredentialSkipsStorage(t *testing.T) {
	v := newValidator()
	g := NewGate(v, allowAll(), nil, zerolog.Nop())

	rec := serve(g.RequireAll(model.ScopeDevicesRead)(okHandler(200)), func(r *http.Request) {
		r.Header.Set("X-API-Key", "iot_short")
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperr.InvalidCredentialFormat, errorCode(t, rec))
	assert.Equal(t, 0, v.calls)
}

func TestGate_UnknownCredential(t *testing.T) {
	g := NewGate(newValidator(), allowAll(), nil, zerolog.Nop())

	rec := serve(g.RequireAll(model.ScopeDevicesRead)(okHandler(200)), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+otherSecret)
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperr.InvalidOrExpiredCredential, errorCode(t, rec))
}

func TestGate_StorageFailureFailsClosed(t *testing.T) {
	v := &stubValidator{err: apperr.Wrap(apperr.StorageUnavailable, "could not look up API key", errors.New("timeout"))}
	g := NewGate(v, allowAll(), nil, zerolog.Nop())

	rec := serve(g.RequireAll(model.ScopeDevicesRead)(okHandler(200)), func(r *http.Request) {
		r.Header.Set("X-API-Key", goodSecret)
	})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, apperr.StorageUnavailable, errorCode(t, rec))
}

func TestGate_ScopeModes(t *testing.T) {
	tests := []struct {
		name   string
		mode   ScopeMode
		scopes []string
		want   int
	}{
		{"all satisfied", AllScopes, []string{model.ScopeDevicesRead, model.ScopeAnalyticsRead}, 200},
		{"all missing one", AllScopes, []string{model.ScopeDevicesRead, model.ScopeAlertsWrite}, 403},
		{"any satisfied", AnyScope, []string{model.ScopeAlertsWrite, model.ScopeDevicesRead}, 200},
		{"any none", AnyScope, []string{model.ScopeAlertsWrite, model.ScopeKeysWrite}, 403},
		{"no scopes required", AllScopes, nil, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(newValidator(), allowAll(), nil, zerolog.Nop())
			rec := serve(g.Require(tt.mode, tt.scopes...)(okHandler(200)), func(r *http.Request) {
				r.Header.Set("X-API-Key", goodSecret)
			})
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == 403 {
				assert.Equal(t, apperr.InsufficientScope, errorCode(t, rec))
			}
		})
	}
}

func TestGate_AllowedSetsHeadersAndRecordsUsage(t *testing.T) {
	usage := &usageLog{}
	g := NewGate(newValidator(), allowAll(), usage, zerolog.Nop())

	rec := serve(g.RequireAll(model.ScopeDevicesRead)(okHandler(http.StatusAccepted)), func(r *http.Request) {
		r.Header.Set("Authorization", "bearer "+goodSecret)
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1700000000", rec.Header().Get("X-RateLimit-Reset"))
	assert.Empty(t, rec.Header().Get("Retry-After"))

	require.Len(t, usage.records, 1)
	assert.Equal(t, "key-1", usage.records[0].APIKeyID)
	assert.Equal(t, http.StatusAccepted, usage.records[0].StatusCode)
	assert.Equal(t, "GET /v1/devices", usage.records[0].Endpoint)
}

func TestGate_HeadersOnHandlerError(t *testing.T) {
	g := NewGate(newValidator(), allowAll(), nil, zerolog.Nop())

	rec := serve(g.RequireAll(model.ScopeDevicesRead)(okHandler(http.StatusInternalServerError)), func(r *http.Request) {
		r.Header.Set("X-API-Key", goodSecret)
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestGate_RateLimited(t *testing.T) {
	limiter := &stubLimiter{decision: ratelimit.Decision{
		Allowed: false, Limit: 100, Remaining: 0, Reset: time.Unix(1_700_000_000, 0), RetryAfter: 90 * time.Second,
	}}
	usage := &usageLog{}
	g := NewGate(newValidator(), limiter, usage, zerolog.Nop())

	rec := serve(g.RequireAll(model.ScopeDevicesRead)(okHandler(200)), func(r *http.Request) {
		r.Header.Set("X-API-Key", goodSecret)
	})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, apperr.RateLimitExceeded, errorCode(t, rec))
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Empty(t, usage.records)
}

func TestGate_LimiterFailClosed(t *testing.T) {
	limiter := &stubLimiter{err: apperr.New(apperr.StorageUnavailable, "rate limit state is unavailable")}
	g := NewGate(newValidator(), limiter, nil, zerolog.Nop())

	rec := serve(g.RequireAll(model.ScopeDevicesRead)(okHandler(200)), func(r *http.Request) {
		r.Header.Set("X-API-Key", goodSecret)
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGate_EndpointUsesRoutePattern(t *testing.T) {
	limiter := allowAll()
	g := NewGate(newValidator(), limiter, nil, zerolog.Nop())

	r := chi.NewRouter()
	r.With(g.RequireAll(model.ScopeDevicesRead)).Get("/v1/devices/{id}", okHandler(200).ServeHTTP)

	for _, id := range []string{"d1", "d2"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/devices/"+id, nil)
		req.Header.Set("X-API-Key", goodSecret)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, []string{"GET /v1/devices/{id}", "GET /v1/devices/{id}"}, limiter.endpoints)
}

// memCounters backs a real Limiter for end-to-end header checks.
type memCounters struct {
	mu      sync.Mutex
	windows map[ratelimit.WindowKey]*ratelimit.WindowResult
	bursts  map[ratelimit.WindowKey]int64
}

func (m *memCounters) IncrementWindow(_ context.Context, k ratelimit.WindowKey, limit int64) (ratelimit.WindowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[k]
	if !ok {
		w = &ratelimit.WindowResult{Limit: limit}
		m.windows[k] = w
	}
	if w.Count >= w.Limit {
		return ratelimit.WindowResult{Count: w.Count, Limit: w.Limit}, nil
	}
	w.Count++
	return ratelimit.WindowResult{Count: w.Count, Limit: w.Limit, Incremented: true}, nil
}

func (m *memCounters) IncrementBurst(_ context.Context, k ratelimit.WindowKey, allowance int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bursts[k] >= allowance {
		return m.bursts[k], false, nil
	}
	m.bursts[k]++
	return m.bursts[k], true, nil
}

func TestGate_FreeTierScenario(t *testing.T) {
	resolver := tier.NewResolver(nil, 0, zerolog.Nop())
	resolver.SetOverride("acct-1", tier.Override{BurstAllowance: 10})
	store := &memCounters{
		windows: map[ratelimit.WindowKey]*ratelimit.WindowResult{},
		bursts:  map[ratelimit.WindowKey]int64{},
	}
	fixed := time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC)
	limiter := ratelimit.NewLimiter(store, resolver, ratelimit.FailOpen, zerolog.Nop(),
		ratelimit.WithClock(func() time.Time { return fixed }))
	h := NewGate(newValidator(), limiter, nil, zerolog.Nop()).RequireAll(model.ScopeDevicesRead)(okHandler(200))

	call := func() *httptest.ResponseRecorder {
		return serve(h, func(r *http.Request) { r.Header.Set("X-API-Key", goodSecret) })
	}

	prev := int64(100)
	for i := 1; i <= 100; i++ {
		rec := call()
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		remaining, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Remaining"), 10, 64)
		require.NoError(t, err)
		require.Less(t, remaining, prev)
		prev = remaining
	}
	assert.Equal(t, int64(0), prev)

	rec := call()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))

	for i := 102; i <= 110; i++ {
		require.Equal(t, http.StatusOK, call().Code, "request %d", i)
	}

	rec = call()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "2700", rec.Header().Get("Retry-After"))
}

func TestExtractCredential(t *testing.T) {
	tests := []struct {
		name   string
		auth   string
		apiKey string
		want   string
	}{
		{"bearer token", "Bearer iot_abc", "", "iot_abc"},
		{"lowercase scheme", "bearer iot_abc", "", "iot_abc"},
		{"api key header", "", "iot_xyz", "iot_xyz"},
		{"bearer preferred", "Bearer iot_abc", "iot_xyz", "iot_abc"},
		{"basic auth ignored", "Basic dXNlcjpwYXNz", "", ""},
		{"basic falls back to header", "Basic dXNlcjpwYXNz", "iot_xyz", "iot_xyz"},
		{"empty", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			if tt.apiKey != "" {
				req.Header.Set("X-API-Key", tt.apiKey)
			}
			assert.Equal(t, tt.want, ExtractCredential(req))
		})
	}
}
