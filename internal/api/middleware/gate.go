package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/iotgate/internal/api/response"
	"github.com/edvin/iotgate/internal/apperr"
	"github.com/edvin/iotgate/internal/credential"
	"github.com/edvin/iotgate/internal/model"
	"github.com/edvin/iotgate/internal/ratelimit"
)

var gateRejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gate_rejections_total",
		Help: "Requests rejected by the access gate, by error code",
	},
	[]string{"code"},
)

// KeyValidator resolves a presented secret to an active key.
type KeyValidator interface {
	Validate(ctx context.Context, secret string) (*model.APIKey, error)
}

// RateLimiter consumes quota for a key and endpoint.
type RateLimiter interface {
	Check(ctx context.Context, accountID, apiKeyID, endpoint string) (ratelimit.Decision, error)
}

// UsageRecorder accepts usage records without blocking.
type UsageRecorder interface {
	Record(u model.APIUsage)
}

// ScopeMode selects how required scopes are matched.
type ScopeMode int

const (
	// AllScopes requires every listed scope.
	AllScopes ScopeMode = iota
	// AnyScope requires at least one listed scope.
	AnyScope
)

func (m ScopeMode) String() string {
	if m == AnyScope {
		return "any"
	}
	return "all"
}

// Gate authenticates, authorizes and rate limits requests. It holds no state
// of its own.
type Gate struct {
	keys    KeyValidator
	limiter RateLimiter
	usage   UsageRecorder
	logger  zerolog.Logger
}

// NewGate creates a Gate. usage may be nil.
func NewGate(keys KeyValidator, limiter RateLimiter, usage UsageRecorder, logger zerolog.Logger) *Gate {
	return &Gate{keys: keys, limiter: limiter, usage: usage, logger: logger}
}

// RequireAll returns middleware admitting keys that hold every scope.
func (g *Gate) RequireAll(scopes ...string) func(http.Handler) http.Handler {
	return g.Require(AllScopes, scopes...)
}

// RequireAny returns middleware admitting keys that hold at least one scope.
func (g *Gate) RequireAny(scopes ...string) func(http.Handler) http.Handler {
	return g.Require(AnyScope, scopes...)
}

// Require returns the gate middleware for the given scopes.
func (g *Gate) Require(mode ScopeMode, scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()

			secret := ExtractCredential(r)
			if secret == "" {
				g.reject(w, r, apperr.New(apperr.MissingCredential, "no API key was provided"))
				return
			}
			if !credential.WellFormed(secret) {
				g.reject(w, r, apperr.New(apperr.InvalidCredentialFormat, "the API key is malformed"))
				return
			}

			key, err := g.keys.Validate(ctx, secret)
			if err != nil {
				g.logger.Error().Err(err).Msg("api key validation failed")
				g.reject(w, r, err)
				return
			}
			if key == nil {
				g.reject(w, r, apperr.New(apperr.InvalidOrExpiredCredential, "the API key is invalid or has expired"))
				return
			}

			if !scopesSatisfied(key, mode, scopes) {
				g.reject(w, r, apperr.Newf(apperr.InsufficientScope,
					"this operation requires %s of: %s", mode, strings.Join(scopes, ", ")).
					WithDetails(map[string]any{
						"required": scopes,
						"mode":     mode.String(),
						"granted":  key.Scopes,
					}))
				return
			}

			endpoint := EndpointName(r)
			decision, err := g.limiter.Check(ctx, key.AccountID, key.ID, endpoint)
			if err != nil {
				g.reject(w, r, err)
				return
			}
			setRateLimitHeaders(w, decision)
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfterSeconds(), 10))
				g.reject(w, r, apperr.New(apperr.RateLimitExceeded, "the hourly request quota for this key is exhausted").
					WithDetails(map[string]any{
						"limit":       decision.Limit,
						"reset":       decision.Reset.Unix(),
						"retry_after": decision.RetryAfterSeconds(),
					}))
				return
			}

			zerolog.Ctx(ctx).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("api_key_id", key.ID).Str("account_id", key.AccountID)
			})
			ctx = WithAPIKey(ctx, key)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			if g.usage != nil {
				g.usage.Record(model.APIUsage{
					APIKeyID:   key.ID,
					AccountID:  key.AccountID,
					Endpoint:   endpoint,
					Method:     r.Method,
					StatusCode: sw.status,
					Latency:    time.Since(start),
					RequestID:  middleware.GetReqID(ctx),
					At:         start.UTC(),
				})
			}
		})
	}
}

func (g *Gate) reject(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.Internal
	if e, ok := apperr.As(err); ok {
		code = e.Code
	}
	gateRejectionsTotal.WithLabelValues(string(code)).Inc()
	response.WriteError(w, r, err)
}

// ExtractCredential returns the presented secret from a bearer token or the
// X-API-Key header, preferring the bearer token.
func ExtractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// EndpointName is the rate limit identity of a request: the method plus the
// matched route pattern, or the raw path when no route matched.
func EndpointName(r *http.Request) string {
	path := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		path = rctx.RoutePattern()
	}
	return r.Method + " " + path
}

func scopesSatisfied(key *model.APIKey, mode ScopeMode, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, s := range required {
		has := key.HasScope(s)
		if mode == AnyScope && has {
			return true
		}
		if mode == AllScopes && !has {
			return false
		}
	}
	return mode == AllScopes
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}
