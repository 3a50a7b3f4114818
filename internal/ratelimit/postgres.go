package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps counters in rate_limit_windows and rate_limit_bursts.
// Every increment is a single conditional UPDATE, so concurrent gateways never
// lose updates or overshoot the snapshot.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// IncrementWindow implements CounterStore.
func (s *PostgresStore) IncrementWindow(ctx context.Context, key WindowKey, limit int64) (WindowResult, error) {
	_, err := s.db.Exec(ctx,
		`INSERT INTO rate_limit_windows (api_key_id, endpoint, window_start, request_count, limit_snapshot)
		 VALUES ($1, $2, $3, 0, $4)
		 ON CONFLICT (api_key_id, endpoint, window_start) DO NOTHING`,
		key.APIKeyID, key.Endpoint, key.Start, limit,
	)
	if err != nil {
		return WindowResult{}, fmt.Errorf("create rate limit window: %w", err)
	}

	var res WindowResult
	err = s.db.QueryRow(ctx,
		`UPDATE rate_limit_windows SET request_count = request_count + 1
		 WHERE api_key_id = $1 AND endpoint = $2 AND window_start = $3 AND request_count < limit_snapshot
		 RETURNING request_count, limit_snapshot`,
		key.APIKeyID, key.Endpoint, key.Start,
	).Scan(&res.Count, &res.Limit)
	if err == nil {
		res.Incremented = true
		return res, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return WindowResult{}, fmt.Errorf("increment rate limit window: %w", err)
	}

	// Window exhausted: report its state without touching it.
	err = s.db.QueryRow(ctx,
		`SELECT request_count, limit_snapshot FROM rate_limit_windows
		 WHERE api_key_id = $1 AND endpoint = $2 AND window_start = $3`,
		key.APIKeyID, key.Endpoint, key.Start,
	).Scan(&res.Count, &res.Limit)
	if err != nil {
		return WindowResult{}, fmt.Errorf("read rate limit window: %w", err)
	}
	return res, nil
}

// IncrementBurst implements CounterStore.
func (s *PostgresStore) IncrementBurst(ctx context.Context, key WindowKey, allowance int64) (int64, bool, error) {
	if allowance <= 0 {
		return 0, false, nil
	}

	var usage int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO rate_limit_bursts (api_key_id, endpoint, window_start, request_count)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (api_key_id, endpoint, window_start)
		 DO UPDATE SET request_count = rate_limit_bursts.request_count + 1
		 WHERE rate_limit_bursts.request_count < $4
		 RETURNING request_count`,
		key.APIKeyID, key.Endpoint, key.Start, allowance,
	).Scan(&usage)
	if errors.Is(err, pgx.ErrNoRows) {
		return allowance, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("increment burst counter: %w", err)
	}
	return usage, true, nil
}

// Prune deletes window and burst counters whose window ended before now. It
// returns the number of rows removed.
func (s *PostgresStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	windows, err := s.db.Exec(ctx,
		`DELETE FROM rate_limit_windows WHERE window_start < $1`, now.Add(-WindowSize))
	if err != nil {
		return 0, fmt.Errorf("prune rate limit windows: %w", err)
	}
	bursts, err := s.db.Exec(ctx,
		`DELETE FROM rate_limit_bursts WHERE window_start < $1`, now.Add(-WindowSize))
	if err != nil {
		return windows.RowsAffected(), fmt.Errorf("prune burst counters: %w", err)
	}
	return windows.RowsAffected() + bursts.RowsAffected(), nil
}
