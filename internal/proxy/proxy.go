// Package proxy forwards admitted requests to the analytics service.
package proxy

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	mw "github.com/edvin/iotgate/internal/api/middleware"
	"github.com/edvin/iotgate/internal/api/response"
	"github.com/edvin/iotgate/internal/apperr"
	"github.com/edvin/iotgate/internal/model"
	"github.com/edvin/iotgate/internal/tier"
)

// Headers set on upstream requests.
const (
	HeaderAccountID = "X-Account-ID"
	HeaderAPIKeyID  = "X-API-Key-ID"
	HeaderTier      = "X-Account-Tier"
)

// TierResolver resolves the current tier for an account.
type TierResolver interface {
	Resolve(ctx context.Context, accountID string) tier.Tier
}

// Route binds a method and chi pattern to the scopes it requires.
type Route struct {
	Method  string
	Pattern string
	Scopes  []string
	Mode    mw.ScopeMode
}

// DefaultRoutes is the gated surface of the analytics API.
var DefaultRoutes = []Route{
	{http.MethodGet, "/v1/devices", []string{model.ScopeDevicesRead}, mw.AllScopes},
	{http.MethodGet, "/v1/devices/{id}", []string{model.ScopeDevicesRead}, mw.AllScopes},
	{http.MethodPost, "/v1/devices", []string{model.ScopeDevicesWrite}, mw.AllScopes},
	{http.MethodPut, "/v1/devices/{id}", []string{model.ScopeDevicesWrite}, mw.AllScopes},
	{http.MethodDelete, "/v1/devices/{id}", []string{model.ScopeDevicesWrite}, mw.AllScopes},
	{http.MethodGet, "/v1/devices/{id}/readings", []string{model.ScopeDevicesRead, model.ScopeAnalyticsRead}, mw.AllScopes},

	{http.MethodGet, "/v1/analytics/*", []string{model.ScopeAnalyticsRead}, mw.AllScopes},
	{http.MethodGet, "/v1/dashboard", []string{model.ScopeAnalyticsRead, model.ScopePatternsRead}, mw.AnyScope},

	{http.MethodGet, "/v1/patterns", []string{model.ScopePatternsRead}, mw.AllScopes},
	{http.MethodGet, "/v1/patterns/{id}", []string{model.ScopePatternsRead}, mw.AllScopes},

	{http.MethodGet, "/v1/alerts", []string{model.ScopeAlertsRead}, mw.AllScopes},
	{http.MethodGet, "/v1/alerts/{id}", []string{model.ScopeAlertsRead}, mw.AllScopes},
	{http.MethodPost, "/v1/alerts", []string{model.ScopeAlertsWrite}, mw.AllScopes},
	{http.MethodPatch, "/v1/alerts/{id}", []string{model.ScopeAlertsWrite}, mw.AllScopes},
	{http.MethodDelete, "/v1/alerts/{id}", []string{model.ScopeAlertsWrite}, mw.AllScopes},

	{http.MethodGet, "/v1/exports", []string{model.ScopeExportsRead}, mw.AllScopes},
	{http.MethodGet, "/v1/exports/{id}", []string{model.ScopeExportsRead}, mw.AllScopes},
	{http.MethodPost, "/v1/exports", []string{model.ScopeExportsWrite}, mw.AllScopes},
}

// New returns a reverse proxy to upstream. Caller credentials are stripped
// and replaced by the admitted key's identity headers. The tier header carries
// the account's current tier, the same one the rate limiter applied.
func New(upstream *url.URL, tiers TierResolver, logger zerolog.Logger) *httputil.ReverseProxy {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 60 * time.Second

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("X-API-Key")
			pr.Out.Header.Del(HeaderAccountID)
			pr.Out.Header.Del(HeaderAPIKeyID)
			pr.Out.Header.Del(HeaderTier)
			if key := mw.GetAPIKey(pr.In.Context()); key != nil {
				pr.Out.Header.Set(HeaderAccountID, key.AccountID)
				pr.Out.Header.Set(HeaderAPIKeyID, key.ID)
				pr.Out.Header.Set(HeaderTier, tiers.Resolve(pr.In.Context(), key.AccountID).Name)
			}
			if id := middleware.GetReqID(pr.In.Context()); id != "" {
				pr.Out.Header.Set(middleware.RequestIDHeader, id)
			}
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
			response.WriteError(w, r, apperr.Wrap(apperr.UpstreamUnavailable, "the analytics service is unavailable", err))
		},
	}
}

// Mount registers every route on r behind the gate's scope check.
func Mount(r chi.Router, gate *mw.Gate, upstream http.Handler, routes []Route) {
	for _, rt := range routes {
		r.With(gate.Require(rt.Mode, rt.Scopes...)).Method(rt.Method, rt.Pattern, upstream)
	}
}
