package tier

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/edvin/iotgate/internal/config"
)

// FromConfig builds the Resolver for a binary. The billing service is used
// when BILLING_API_URL is set; otherwise tiers come from BILLING_STATIC_TIERS
// and unknown accounts are free.
func FromConfig(cfg *config.Config, logger zerolog.Logger) (*Resolver, error) {
	var provider Provider
	if cfg.BillingAPIURL != "" {
		provider = NewBillingClient(cfg.BillingAPIURL, cfg.BillingAPIKey)
	} else {
		static, err := ParseStatic(cfg.BillingStaticTier)
		if err != nil {
			return nil, fmt.Errorf("BILLING_STATIC_TIERS: %w", err)
		}
		provider = NewStaticProvider(static, Free)
	}

	r := NewResolver(provider, cfg.TierCacheTTL, logger.With().Str("component", "tier").Logger())

	if cfg.TierOverridesFile != "" {
		overrides, err := LoadOverrides(cfg.TierOverridesFile)
		if err != nil {
			return nil, err
		}
		r.SetOverrides(overrides)
		logger.Info().Int("accounts", len(overrides)).Msg("tier overrides loaded")
	}

	return r, nil
}
