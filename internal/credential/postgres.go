package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edvin/iotgate/internal/model"
	"github.com/edvin/iotgate/internal/query"
)

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores API keys in the api_keys table.
type PostgresRepository struct {
	db DB
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const apiKeyColumns = `id, account_id, name, key_hash, key_prefix, scopes, tier, active,
	created_at, expires_at, last_used_at, rotated_at, revoked_at`

func scanAPIKey(row pgx.Row) (*model.APIKey, error) {
	var k model.APIKey
	err := row.Scan(&k.ID, &k.AccountID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes, &k.Tier, &k.Active,
		&k.CreatedAt, &k.ExpiresAt, &k.LastUsedAt, &k.RotatedAt, &k.RevokedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// InsertWithinQuota counts and inserts in one statement so concurrent issues
// cannot both slip under the limit.
func (r *PostgresRepository) InsertWithinQuota(ctx context.Context, k *model.APIKey, maxActive int) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO api_keys (id, account_id, name, key_hash, key_prefix, scopes, tier, active, created_at, expires_at)
		 SELECT $1, $2, $3, $4, $5, $6, $7, true, $8, $9
		 WHERE (SELECT count(*) FROM api_keys WHERE account_id = $2 AND active) < $10`,
		k.ID, k.AccountID, k.Name, k.KeyHash, k.KeyPrefix, k.Scopes, k.Tier, k.CreatedAt, k.ExpiresAt, maxActive,
	)
	if err != nil {
		return false, fmt.Errorf("insert api key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByHash returns the key with the given hash.
func (r *PostgresRepository) GetByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	k, err := scanAPIKey(r.db.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return k, nil
}

// GetByID returns the key with the given ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*model.APIKey, error) {
	k, err := scanAPIKey(r.db.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key %s: %w", id, err)
	}
	return k, nil
}

// ListByAccount lists an account's keys ordered by ID.
func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string, limit int, cursor string) ([]model.APIKey, bool, error) {
	filters := []query.Filter{query.Eq{Column: "account_id", Value: accountID}}
	if cursor != "" {
		filters = append(filters, query.After{Column: "id", Value: cursor})
	}
	sql, args, err := query.Select(`SELECT ` + apiKeyColumns + ` FROM api_keys`).
		Where(filters...).
		OrderBy("id").
		Limit(limit + 1).
		Build()
	if err != nil {
		return nil, false, fmt.Errorf("build api key query: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate api keys: %w", err)
	}

	hasMore := len(keys) > limit
	if hasMore {
		keys = keys[:limit]
	}
	return keys, hasMore, nil
}

// TouchLastUsed stamps last_used_at on an active key.
func (r *PostgresRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2 AND active`, at, id)
	if err != nil {
		return fmt.Errorf("touch api key %s: %w", id, err)
	}
	return nil
}

// Deactivate marks a key inactive without recording a revocation.
func (r *PostgresRepository) Deactivate(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `UPDATE api_keys SET active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate api key %s: %w", id, err)
	}
	return nil
}

// ReplaceHash swaps the hash and display prefix of an active key.
func (r *PostgresRepository) ReplaceHash(ctx context.Context, id, hash, prefix string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE api_keys SET key_hash = $1, key_prefix = $2, rotated_at = $3 WHERE id = $4 AND active`,
		hash, prefix, at, id)
	if err != nil {
		return false, fmt.Errorf("rotate api key %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Revoke soft-deletes a key. Calling it twice keeps the first revoked_at.
func (r *PostgresRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE api_keys SET active = false, revoked_at = COALESCE(revoked_at, $1) WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("revoke api key %s: %w", id, err)
	}
	return nil
}
