package webhook

import (
	"context"
	"encoding/json"
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

// PostgresRepository stores endpoints in webhook_endpoints and attempts in
// webhook_deliveries.
type PostgresRepository struct {
	db DB
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const endpointColumns = `id, account_id, url, events, filters, secret, active,
	total_deliveries, successful_deliveries, failed_deliveries, last_delivery_at, created_at, updated_at`

const attemptColumns = `id, delivery_id, endpoint_id, event_type, payload, attempt, status,
	response_status, response_body, error, is_test, sent_at, delivered_at, failed_at, next_attempt_at`

func scanEndpoint(row pgx.Row) (*model.WebhookEndpoint, error) {
	var ep model.WebhookEndpoint
	var filters []byte
	err := row.Scan(&ep.ID, &ep.AccountID, &ep.URL, &ep.Events, &filters, &ep.Secret, &ep.Active,
		&ep.TotalDeliveries, &ep.SuccessfulDeliveries, &ep.FailedDeliveries, &ep.LastDeliveryAt,
		&ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &ep.Filters); err != nil {
			return nil, fmt.Errorf("decode filters of webhook %s: %w", ep.ID, err)
		}
	}
	return &ep, nil
}

func scanAttempt(row pgx.Row) (*model.WebhookDeliveryAttempt, error) {
	var a model.WebhookDeliveryAttempt
	var payload []byte
	err := row.Scan(&a.ID, &a.DeliveryID, &a.EndpointID, &a.EventType, &payload, &a.Attempt, &a.Status,
		&a.ResponseStatus, &a.ResponseBody, &a.Error, &a.IsTest, &a.SentAt, &a.DeliveredAt, &a.FailedAt,
		&a.NextAttemptAt)
	if err != nil {
		return nil, err
	}
	a.Payload = payload
	return &a, nil
}

// InsertEndpointWithinQuota counts and inserts in one statement so
// concurrent registrations cannot both slip under the limit.
func (r *PostgresRepository) InsertEndpointWithinQuota(ctx context.Context, ep *model.WebhookEndpoint, max int) (bool, error) {
	filters := ep.Filters
	if filters == nil {
		filters = map[string][]model.FilterCondition{}
	}
	filtersJSON, err := json.Marshal(filters)
	if err != nil {
		return false, fmt.Errorf("encode webhook filters: %w", err)
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO webhook_endpoints (id, account_id, url, events, filters, secret, active, created_at, updated_at)
		 SELECT $1, $2, $3, $4, $5, $6, true, $7, $7
		 WHERE (SELECT count(*) FROM webhook_endpoints WHERE account_id = $2 AND active) < $8`,
		ep.ID, ep.AccountID, ep.URL, ep.Events, filtersJSON, ep.Secret, ep.CreatedAt, max,
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetEndpoint returns the endpoint with the given ID.
func (r *PostgresRepository) GetEndpoint(ctx context.Context, id string) (*model.WebhookEndpoint, error) {
	ep, err := scanEndpoint(r.db.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook %s: %w", id, err)
	}
	return ep, nil
}

// ListEndpoints returns an account's endpoints ordered by ID.
func (r *PostgresRepository) ListEndpoints(ctx context.Context, accountID string, limit int, cursor string) ([]model.WebhookEndpoint, bool, error) {
	filters := []query.Filter{query.Eq{Column: "account_id", Value: accountID}}
	if cursor != "" {
		filters = append(filters, query.After{Column: "id", Value: cursor})
	}
	sql, args, err := query.Select(`SELECT ` + endpointColumns + ` FROM webhook_endpoints`).
		Where(filters...).OrderBy("id").Limit(limit + 1).Build()
	if err != nil {
		return nil, false, fmt.Errorf("list webhooks: %w", err)
	}

	eps, err := r.queryEndpoints(ctx, sql, args)
	if err != nil {
		return nil, false, fmt.Errorf("list webhooks: %w", err)
	}
	hasMore := len(eps) > limit
	if hasMore {
		eps = eps[:limit]
	}
	return eps, hasMore, nil
}

// ActiveEndpointsForEvent returns active endpoints subscribed to event.
func (r *PostgresRepository) ActiveEndpointsForEvent(ctx context.Context, event, accountID string) ([]model.WebhookEndpoint, error) {
	filters := []query.Filter{
		query.Eq{Column: "active", Value: true},
		query.Contains{Column: "events", Value: event},
	}
	if accountID != "" {
		filters = append(filters, query.Eq{Column: "account_id", Value: accountID})
	}
	sql, args, err := query.Select(`SELECT ` + endpointColumns + ` FROM webhook_endpoints`).
		Where(filters...).OrderBy("id").Build()
	if err != nil {
		return nil, fmt.Errorf("list webhooks for %s: %w", event, err)
	}

	eps, err := r.queryEndpoints(ctx, sql, args)
	if err != nil {
		return nil, fmt.Errorf("list webhooks for %s: %w", event, err)
	}
	return eps, nil
}

func (r *PostgresRepository) queryEndpoints(ctx context.Context, sql string, args []any) ([]model.WebhookEndpoint, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var eps []model.WebhookEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		eps = append(eps, *ep)
	}
	return eps, rows.Err()
}

// DeactivateEndpoint marks an endpoint inactive.
func (r *PostgresRepository) DeactivateEndpoint(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_endpoints SET active = false, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("deactivate webhook %s: %w", id, err)
	}
	return nil
}

// RecordOutcome increments the delivery counters of an endpoint.
func (r *PostgresRepository) RecordOutcome(ctx context.Context, endpointID string, success bool, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_endpoints SET
			total_deliveries = total_deliveries + 1,
			successful_deliveries = successful_deliveries + CASE WHEN $2 THEN 1 ELSE 0 END,
			failed_deliveries = failed_deliveries + CASE WHEN $2 THEN 0 ELSE 1 END,
			last_delivery_at = $3,
			updated_at = $3
		 WHERE id = $1`,
		endpointID, success, at,
	)
	if err != nil {
		return fmt.Errorf("record webhook outcome %s: %w", endpointID, err)
	}
	return nil
}

// InsertAttempt reserves an attempt row. The unique (delivery_id, attempt)
// constraint keeps two workers from sending the same attempt.
func (r *PostgresRepository) InsertAttempt(ctx context.Context, a *model.WebhookDeliveryAttempt) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO webhook_deliveries (id, delivery_id, endpoint_id, event_type, payload, attempt, status, is_test, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (delivery_id, attempt) DO NOTHING`,
		a.ID, a.DeliveryID, a.EndpointID, a.EventType, []byte(a.Payload), a.Attempt, a.Status, a.IsTest, a.SentAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert delivery attempt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishAttempt stores the outcome of an attempt.
func (r *PostgresRepository) FinishAttempt(ctx context.Context, a *model.WebhookDeliveryAttempt) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_deliveries SET status = $2, response_status = $3, response_body = $4, error = $5,
			delivered_at = $6, failed_at = $7, next_attempt_at = $8
		 WHERE id = $1`,
		a.ID, a.Status, a.ResponseStatus, a.ResponseBody, a.Error, a.DeliveredAt, a.FailedAt, a.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("finish delivery attempt %s: %w", a.ID, err)
	}
	return nil
}

// ClaimDue leases due retries. Rows locked by another worker are skipped, and
// a lease that runs out makes the row claimable again.
func (r *PostgresRepository) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]model.WebhookDeliveryAttempt, error) {
	inner, args, err := query.Select(`SELECT id FROM webhook_deliveries`).
		Where(
			query.In{Column: "status", Values: []string{model.DeliveryRetryScheduled, model.DeliveryRetrying}},
			query.Before{Column: "next_attempt_at", Value: now},
		).
		OrderBy("next_attempt_at").
		Limit(limit).
		Suffix("FOR UPDATE SKIP LOCKED").
		Build()
	if err != nil {
		return nil, fmt.Errorf("claim due retries: %w", err)
	}
	args = append(args, model.DeliveryRetrying, leaseUntil)
	sql := fmt.Sprintf(
		`UPDATE webhook_deliveries SET status = $%d, next_attempt_at = $%d WHERE id IN (%s) RETURNING %s`,
		len(args)-1, len(args), inner, attemptColumns,
	)

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("claim due retries: %w", err)
	}
	defer rows.Close()

	var out []model.WebhookDeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("claim due retries: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// CompleteRetry marks a retried attempt as failed and clears its schedule.
func (r *PostgresRepository) CompleteRetry(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_deliveries SET status = $2, failed_at = COALESCE(failed_at, $3), next_attempt_at = NULL
		 WHERE id = $1`,
		id, model.DeliveryFailed, at,
	)
	if err != nil {
		return fmt.Errorf("complete retry %s: %w", id, err)
	}
	return nil
}

// ListAttempts returns an endpoint's attempts ordered by ID.
func (r *PostgresRepository) ListAttempts(ctx context.Context, endpointID string, limit int, cursor string) ([]model.WebhookDeliveryAttempt, bool, error) {
	filters := []query.Filter{query.Eq{Column: "endpoint_id", Value: endpointID}}
	if cursor != "" {
		filters = append(filters, query.After{Column: "id", Value: cursor})
	}
	sql, args, err := query.Select(`SELECT ` + attemptColumns + ` FROM webhook_deliveries`).
		Where(filters...).OrderBy("id").Limit(limit + 1).Build()
	if err != nil {
		return nil, false, fmt.Errorf("list deliveries: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []model.WebhookDeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, false, fmt.Errorf("list deliveries: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("list deliveries: %w", err)
	}
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}
