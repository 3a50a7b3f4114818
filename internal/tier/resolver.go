package tier

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Provider returns the subscription tier name for an account. It is
// implemented by the billing service client.
type Provider interface {
	TierName(ctx context.Context, accountID string) (string, error)
}

// Override replaces parts of an account's tier. Zero fields keep the value of
// the underlying tier.
type Override struct {
	Tier           string   `yaml:"tier"`
	HourlyLimit    int64    `yaml:"hourly_limit"`
	BurstAllowance int64    `yaml:"burst_allowance"`
	MaxKeys        *int     `yaml:"max_keys"`
	MaxWebhooks    *int     `yaml:"max_webhooks"`
	AllowedScopes  []string `yaml:"allowed_scopes"`
}

type cached struct {
	name    string
	expires time.Time
}

// Resolver maps accounts to tiers. Lookup failures resolve to the most
// restrictive tier and are never returned to callers.
type Resolver struct {
	provider Provider
	logger   zerolog.Logger
	ttl      time.Duration
	now      func() time.Time

	mu        sync.RWMutex
	cache     map[string]cached
	overrides map[string]Override
}

// NewResolver creates a Resolver. ttl is how long a billing answer is reused;
// zero disables caching.
func NewResolver(provider Provider, ttl time.Duration, logger zerolog.Logger) *Resolver {
	return &Resolver{
		provider:  provider,
		logger:    logger,
		ttl:       ttl,
		now:       time.Now,
		cache:     make(map[string]cached),
		overrides: make(map[string]Override),
	}
}

// SetOverride installs an administrative override for accountID.
func (r *Resolver) SetOverride(accountID string, o Override) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[accountID] = o
}

// SetOverrides installs several overrides at once.
func (r *Resolver) SetOverrides(overrides map[string]Override) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, o := range overrides {
		r.overrides[id] = o
	}
}

// Resolve returns the effective tier for accountID.
func (r *Resolver) Resolve(ctx context.Context, accountID string) Tier {
	r.mu.RLock()
	o, hasOverride := r.overrides[accountID]
	r.mu.RUnlock()

	name := o.Tier
	if name == "" {
		name = r.lookup(ctx, accountID)
	}

	t, ok := Default(name)
	if !ok {
		r.logger.Warn().Str("account_id", accountID).Str("tier", name).
			Msg("unknown tier name, applying most restrictive tier")
		t = MostRestrictive()
	}
	if hasOverride {
		t = apply(t, o)
	}
	return t
}

func (r *Resolver) lookup(ctx context.Context, accountID string) string {
	now := r.now()
	if r.ttl > 0 {
		r.mu.RLock()
		c, ok := r.cache[accountID]
		r.mu.RUnlock()
		if ok && now.Before(c.expires) {
			return c.name
		}
	}

	if r.provider == nil {
		return Free
	}

	name, err := r.provider.TierName(ctx, accountID)
	if err != nil {
		r.logger.Warn().Err(err).Str("account_id", accountID).
			Msg("tier lookup failed, applying most restrictive tier")
		return Free
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[accountID] = cached{name: name, expires: now.Add(r.ttl)}
		r.mu.Unlock()
	}
	return name
}

func apply(t Tier, o Override) Tier {
	if o.HourlyLimit > 0 {
		t.HourlyLimit = o.HourlyLimit
	}
	if o.BurstAllowance > 0 {
		t.BurstAllowance = o.BurstAllowance
	}
	if o.MaxKeys != nil {
		t.MaxKeys = *o.MaxKeys
	}
	if o.MaxWebhooks != nil {
		t.MaxWebhooks = *o.MaxWebhooks
	}
	if o.AllowedScopes != nil {
		t.AllowedScopes = o.AllowedScopes
	}
	return t
}
