// Package ratelimit enforces an hourly quota plus a burst allowance per API key
// and endpoint.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/iotgate/internal/apperr"
	"github.com/edvin/iotgate/internal/tier"
)

// WindowSize is the length of the quota window. The burst allowance is
// counted per window too, so one window admits at most limit+burst requests.
const WindowSize = time.Hour

var decisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ratelimit_decisions_total",
		Help: "Rate limit decisions by outcome",
	},
	[]string{"outcome"},
)

// DegradedModeBehavior decides what happens when the counter store fails.
type DegradedModeBehavior int

const (
	// FailOpen admits requests while the counter store is unavailable.
	FailOpen DegradedModeBehavior = iota
	// FailClosed rejects requests while the counter store is unavailable.
	FailClosed
)

// ParseDegradedMode parses "open" or "closed".
func ParseDegradedMode(s string) (DegradedModeBehavior, error) {
	switch s {
	case "", "open", "fail-open":
		return FailOpen, nil
	case "closed", "fail-closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown rate limit degraded mode %q", s)
	}
}

func (b DegradedModeBehavior) String() string {
	if b == FailClosed {
		return "fail-closed"
	}
	return "fail-open"
}

// WindowKey identifies one hourly counter.
type WindowKey struct {
	APIKeyID string
	Endpoint string
	Start    time.Time
}

// End is the exclusive end of the window.
func (k WindowKey) End() time.Time { return k.Start.Add(WindowSize) }

// WindowResult is the outcome of a conditional window increment.
type WindowResult struct {
	// Count is the request count after the call.
	Count int64
	// Limit is the limit snapshot stored with the window.
	Limit int64
	// Incremented is false when the window was already at its limit.
	Incremented bool
}

// CounterStore holds the shared counters. Both increments must be atomic
// across processes: read-then-write is not acceptable.
type CounterStore interface {
	// IncrementWindow creates the window with limit as its snapshot if it does
	// not exist, then increments it unless it has reached its snapshot.
	IncrementWindow(ctx context.Context, key WindowKey, limit int64) (WindowResult, error)
	// IncrementBurst increments the burst counter of the window unless it has
	// reached allowance and returns the usage after the call.
	IncrementBurst(ctx context.Context, key WindowKey, allowance int64) (usage int64, incremented bool, err error)
}

// TierResolver resolves the tier for an account.
type TierResolver interface {
	Resolve(ctx context.Context, accountID string) tier.Tier
}

// Decision is the result of a rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	Reset      time.Time
	RetryAfter time.Duration
	// Burst is set when the request was admitted from the burst allowance.
	Burst bool
	// Degraded is set when the counter store could not be consulted.
	Degraded bool
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (d Decision) RetryAfterSeconds() int64 {
	s := int64(math.Ceil(d.RetryAfter.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// Limiter checks and consumes quota.
type Limiter struct {
	store  CounterStore
	tiers  TierResolver
	mode   DegradedModeBehavior
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a Limiter.
func NewLimiter(store CounterStore, tiers TierResolver, mode DegradedModeBehavior, logger zerolog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		tiers:  tiers,
		mode:   mode,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Mode returns the configured degraded mode.
func (l *Limiter) Mode() DegradedModeBehavior { return l.mode }

// Check consumes one request for (apiKeyID, endpoint). Quota is consumed on
// attempt and never given back. An error is only returned when the counter
// store fails and the limiter is configured to fail closed.
func (l *Limiter) Check(ctx context.Context, accountID, apiKeyID, endpoint string) (Decision, error) {
	t := l.tiers.Resolve(ctx, accountID)
	now := l.now().UTC()

	window := WindowKey{APIKeyID: apiKeyID, Endpoint: endpoint, Start: now.Truncate(WindowSize)}
	reset := window.End()

	res, err := l.store.IncrementWindow(ctx, window, t.HourlyLimit)
	if err != nil {
		return l.degraded(t, reset, apiKeyID, endpoint, err)
	}
	if res.Incremented {
		decisionsTotal.WithLabelValues("allowed").Inc()
		return Decision{
			Allowed:   true,
			Limit:     res.Limit,
			Remaining: max(res.Limit-res.Count, 0),
			Reset:     reset,
		}, nil
	}

	usage, ok, err := l.store.IncrementBurst(ctx, window, t.BurstAllowance)
	if err != nil {
		return l.degraded(t, reset, apiKeyID, endpoint, err)
	}
	if ok {
		decisionsTotal.WithLabelValues("burst").Inc()
		return Decision{
			Allowed:   true,
			Limit:     res.Limit,
			Remaining: max(t.BurstAllowance-usage, 0),
			Reset:     reset,
			Burst:     true,
		}, nil
	}

	decisionsTotal.WithLabelValues("rejected").Inc()
	return Decision{
		Allowed:    false,
		Limit:      res.Limit,
		Remaining:  0,
		Reset:      reset,
		RetryAfter: reset.Sub(now),
	}, nil
}

func (l *Limiter) degraded(t tier.Tier, reset time.Time, apiKeyID, endpoint string, cause error) (Decision, error) {
	decisionsTotal.WithLabelValues("degraded").Inc()
	l.logger.Warn().Err(cause).
		Str("api_key_id", apiKeyID).
		Str("endpoint", endpoint).
		Str("mode", l.mode.String()).
		Msg("rate limit counter store unavailable")

	if l.mode == FailClosed {
		return Decision{Limit: t.HourlyLimit, Reset: reset, Degraded: true},
			apperr.Wrap(apperr.StorageUnavailable, "rate limit state is unavailable", cause)
	}
	return Decision{
		Allowed:   true,
		Limit:     t.HourlyLimit,
		Remaining: t.HourlyLimit,
		Reset:     reset,
		Degraded:  true,
	}, nil
}
