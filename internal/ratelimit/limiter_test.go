package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/iotgate/internal/apperr"
	"github.com/edvin/iotgate/internal/tier"
)

// memStore is an in-memory CounterStore.
type memStore struct {
	mu      sync.Mutex
	windows map[WindowKey]*WindowResult
	bursts  map[WindowKey]int64
	err     error
}

func newMemStore() *memStore {
	return &memStore{windows: map[WindowKey]*WindowResult{}, bursts: map[WindowKey]int64{}}
}

func (m *memStore) IncrementWindow(_ context.Context, key WindowKey, limit int64) (WindowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return WindowResult{}, m.err
	}
	w, ok := m.windows[key]
	if !ok {
		w = &WindowResult{Limit: limit}
		m.windows[key] = w
	}
	if w.Count < w.Limit {
		w.Count++
		return WindowResult{Count: w.Count, Limit: w.Limit, Incremented: true}, nil
	}
	return WindowResult{Count: w.Count, Limit: w.Limit}, nil
}

func (m *memStore) IncrementBurst(_ context.Context, key WindowKey, allowance int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, false, m.err
	}
	if m.bursts[key] >= allowance {
		return m.bursts[key], false, nil
	}
	m.bursts[key]++
	return m.bursts[key], true, nil
}

func newTestLimiter(t *testing.T, store CounterStore, mode DegradedModeBehavior) (*Limiter, *tier.Resolver) {
	t.Helper()
	resolver := tier.NewResolver(tier.NewStaticProvider(map[string]string{
		"acct-free": tier.Free,
		"acct-pro":  tier.Professional,
	}, tier.Free), time.Minute, zerolog.Nop())
	l := NewLimiter(store, resolver, mode, zerolog.Nop())
	return l, resolver
}

func at(l *Limiter, ts time.Time) { l.now = func() time.Time { return ts } }

var base = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func TestLimiter_FreeTierHundredRequests(t *testing.T) {
	l, _ := newTestLimiter(t, newMemStore(), FailOpen)
	ctx := context.Background()

	for i := 1; i <= 100; i++ {
		at(l, base.Add(time.Duration(i)*time.Second))
		d, err := l.Check(ctx, "acct-free", "key-1", "/v1/devices")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, int64(100), d.Limit)
		assert.Equal(t, int64(100-i), d.Remaining, "request %d", i)
		assert.False(t, d.Burst)
		assert.Equal(t, base.Add(time.Hour), d.Reset)
	}
}

func TestLimiter_BurstThenReject(t *testing.T) {
	l, resolver := newTestLimiter(t, newMemStore(), FailOpen)
	resolver.SetOverride("acct-free", tier.Override{BurstAllowance: 10})
	ctx := context.Background()
	at(l, base.Add(30*time.Second))

	for i := 1; i <= 100; i++ {
		d, err := l.Check(ctx, "acct-free", "key-1", "/v1/devices")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := l.Check(ctx, "acct-free", "key-1", "/v1/devices")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Burst)
	assert.Equal(t, int64(9), d.Remaining)

	for i := 102; i <= 110; i++ {
		d, err = l.Check(ctx, "acct-free", "key-1", "/v1/devices")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i)
	}
	assert.Equal(t, int64(0), d.Remaining)

	d, err = l.Check(ctx, "acct-free", "key-1", "/v1/devices")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.Equal(t, base.Add(time.Hour).Sub(base.Add(30*time.Second)), d.RetryAfter)
	assert.Equal(t, int64(3570), d.RetryAfterSeconds())
}

func TestLimiter_BurstDoesNotRefillWithinWindow(t *testing.T) {
	l, _ := newTestLimiter(t, newMemStore(), FailOpen)
	ctx := context.Background()
	at(l, base.Add(30*time.Second))

	for i := 1; i <= 120; i++ {
		d, err := l.Check(ctx, "acct-free", "key-1", "/v1/devices")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i)
	}
	d, err := l.Check(ctx, "acct-free", "key-1", "/v1/devices")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	for minute := 1; minute < 60; minute++ {
		now := base.Add(time.Duration(minute)*time.Minute + 10*time.Second)
		at(l, now)
		for i := 0; i < 5; i++ {
			d, err := l.Check(ctx, "acct-free", "key-1", "/v1/devices")
			require.NoError(t, err)
			require.False(t, d.Allowed, "minute %d request %d", minute, i)
			assert.Equal(t, int64(0), d.Remaining)
			assert.Equal(t, base.Add(time.Hour).Sub(now), d.RetryAfter)
		}
	}

	at(l, base.Add(time.Hour))
	d, err = l.Check(ctx, "acct-free", "key-1", "/v1/devices")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Burst)
}

func TestLimiter_BurstSpreadAcrossMinutes(t *testing.T) {
	l, _ := newTestLimiter(t, newMemStore(), FailOpen)
	ctx := context.Background()
	at(l, base)

	for i := 0; i < 100; i++ {
		_, err := l.Check(ctx, "acct-free", "key-1", "/v1/devices")
		require.NoError(t, err)
	}

	allowed := 0
	for minute := 1; minute <= 30; minute++ {
		at(l, base.Add(time.Duration(minute)*time.Minute))
		d, err := l.Check(ctx, "acct-free", "key-1", "/v1/devices")
		require.NoError(t, err)
		if d.Allowed {
			require.True(t, d.Burst)
			allowed++
		}
	}
	assert.Equal(t, 20, allowed)
}

func TestLimiter_DefaultBurstAllowance(t *testing.T) {
	l, _ := newTestLimiter(t, newMemStore(), FailOpen)
	ctx := context.Background()
	at(l, base)

	allowed := 0
	for i := 0; i < 150; i++ {
		d, err := l.Check(ctx, "acct-free", "key-1", "/v1/devices")
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 120, allowed)
}

func TestLimiter_KeysAndEndpointsIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, newMemStore(), FailOpen)
	ctx := context.Background()
	at(l, base)

	for i := 0; i < 120; i++ {
		_, err := l.Check(ctx, "acct-free", "key-1", "/v1/devices")
		require.NoError(t, err)
	}
	d, err := l.Check(ctx, "acct-free", "key-1", "/v1/devices")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = l.Check(ctx, "acct-free", "key-2", "/v1/devices")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(99), d.Remaining)

	d, err = l.Check(ctx, "acct-free", "key-1", "/v1/analytics")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(99), d.Remaining)
}

func TestLimiter_RolloverGivesFreshWindow(t *testing.T) {
	l, _ := newTestLimiter(t, newMemStore(), FailOpen)
	ctx := context.Background()
	at(l, base.Add(59*time.Minute))

	var d Decision
	var err error
	for i := 0; i < 121; i++ {
		d, err = l.Check(ctx, "acct-free", "key-1", "/v1/devices")
		require.NoError(t, err)
	}
	require.False(t, d.Allowed)

	at(l, d.Reset)
	d, err = l.Check(ctx, "acct-free", "key-1", "/v1/devices")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Burst)
	assert.Equal(t, int64(99), d.Remaining)
	assert.Equal(t, base.Add(2*time.Hour), d.Reset)
}

func TestLimiter_SnapshotSurvivesTierChange(t *testing.T) {
	l, resolver := newTestLimiter(t, newMemStore(), FailOpen)
	ctx := context.Background()
	at(l, base)

	d, err := l.Check(ctx, "acct-free", "key-1", "/v1/devices")
	require.NoError(t, err)
	assert.Equal(t, int64(100), d.Limit)

	resolver.SetOverride("acct-free", tier.Override{HourlyLimit: 5000})
	d, err = l.Check(ctx, "acct-free", "key-1", "/v1/devices")
	require.NoError(t, err)
	assert.Equal(t, int64(100), d.Limit)
	assert.Equal(t, int64(98), d.Remaining)
}

func TestLimiter_FailOpen(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection refused")
	l, _ := newTestLimiter(t, store, FailOpen)
	at(l, base)

	d, err := l.Check(context.Background(), "acct-pro", "key-1", "/v1/devices")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Equal(t, int64(10_000), d.Limit)
}

func TestLimiter_FailClosed(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection refused")
	l, _ := newTestLimiter(t, store, FailClosed)
	at(l, base)

	d, err := l.Check(context.Background(), "acct-pro", "key-1", "/v1/devices")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.StorageUnavailable))
	assert.False(t, d.Allowed)
	assert.True(t, d.Degraded)
}

func TestLimiter_ConcurrentRequestsNeverOvershoot(t *testing.T) {
	l, _ := newTestLimiter(t, newMemStore(), FailOpen)
	ctx := context.Background()
	at(l, base)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Check(ctx, "acct-free", "key-1", "/v1/devices")
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 120, allowed)
}

func TestParseDegradedMode(t *testing.T) {
	m, err := ParseDegradedMode("")
	require.NoError(t, err)
	assert.Equal(t, FailOpen, m)

	m, err = ParseDegradedMode("closed")
	require.NoError(t, err)
	assert.Equal(t, FailClosed, m)
	assert.Equal(t, "fail-closed", m.String())

	_, err = ParseDegradedMode("sometimes")
	assert.Error(t, err)
}

func TestDecision_RetryAfterSeconds(t *testing.T) {
	assert.Equal(t, int64(1), Decision{}.RetryAfterSeconds())
	assert.Equal(t, int64(2), Decision{RetryAfter: 1500 * time.Millisecond}.RetryAfterSeconds())
}
