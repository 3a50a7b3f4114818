// Package tier resolves the quota and scope profile that applies to an account.
package tier

import (
	"slices"

	"github.com/edvin/iotgate/internal/model"
)

// Tier names as supplied by the billing service.
const (
	Free         = "free"
	Professional = "professional"
	Enterprise   = "enterprise"
)

// Tier is the quota and scope profile for an account. It is a value object;
// resolve it per request rather than caching it on long-lived structs.
type Tier struct {
	Name           string   `json:"name" yaml:"name"`
	HourlyLimit    int64    `json:"hourly_limit" yaml:"hourly_limit"`
	BurstAllowance int64    `json:"burst_allowance" yaml:"burst_allowance"`
	MaxKeys        int      `json:"max_keys" yaml:"max_keys"`
	MaxWebhooks    int      `json:"max_webhooks" yaml:"max_webhooks"`
	AllowedScopes  []string `json:"allowed_scopes" yaml:"allowed_scopes"`
}

// Allows reports whether scope is grantable on this tier.
func (t Tier) Allows(scope string) bool {
	return slices.Contains(t.AllowedScopes, scope)
}

// FilterScopes returns the requested scopes that the tier allows, in request
// order and without duplicates. Disallowed scopes are dropped silently.
func (t Tier) FilterScopes(requested []string) []string {
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if t.Allows(s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

var defaults = map[string]Tier{
	Free: {
		Name:           Free,
		HourlyLimit:    100,
		BurstAllowance: 20,
		MaxKeys:        0,
		MaxWebhooks:    0,
		AllowedScopes: []string{
			model.ScopeDevicesRead,
			model.ScopeAnalyticsRead,
		},
	},
	Professional: {
		Name:           Professional,
		HourlyLimit:    10_000,
		BurstAllowance: 500,
		MaxKeys:        10,
		MaxWebhooks:    5,
		AllowedScopes: []string{
			model.ScopeDevicesRead,
			model.ScopeAnalyticsRead,
			model.ScopePatternsRead,
			model.ScopeAlertsRead,
			model.ScopeAlertsWrite,
			model.ScopeExportsRead,
			model.ScopeExportsWrite,
			model.ScopeWebhooksRead,
			model.ScopeWebhooksWrite,
			model.ScopeKeysRead,
			model.ScopeKeysWrite,
		},
	},
	Enterprise: {
		Name:           Enterprise,
		HourlyLimit:    50_000,
		BurstAllowance: 2_000,
		MaxKeys:        100,
		MaxWebhooks:    50,
		AllowedScopes:  slices.Clone(model.AllScopes),
	},
}

// Default returns the built-in profile for name and whether it exists.
func Default(name string) (Tier, bool) {
	t, ok := defaults[name]
	if !ok {
		return Tier{}, false
	}
	t.AllowedScopes = slices.Clone(t.AllowedScopes)
	return t, true
}

// MostRestrictive is the profile applied when the billing lookup fails.
func MostRestrictive() Tier {
	t, _ := Default(Free)
	return t
}
