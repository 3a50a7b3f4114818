package usage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/iotgate/internal/model"
)

// CopyDB is the subset of pgxpool.Pool used by PostgresSink.
type CopyDB interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

var usageColumns = []string{
	"api_key_id", "account_id", "endpoint", "method", "status_code", "latency_ms", "request_id", "created_at",
}

// PostgresSink bulk-loads usage records into api_usage.
type PostgresSink struct {
	db CopyDB
}

// NewPostgresSink creates a PostgresSink.
func NewPostgresSink(db CopyDB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string { return "postgres" }

// Write implements Sink.
func (s *PostgresSink) Write(ctx context.Context, records []model.APIUsage) error {
	n, err := s.db.CopyFrom(ctx, pgx.Identifier{"api_usage"}, usageColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			u := records[i]
			return []any{
				u.APIKeyID, u.AccountID, u.Endpoint, u.Method, u.StatusCode,
				u.Latency.Milliseconds(), u.RequestID, u.At,
			}, nil
		}))
	if err != nil {
		return fmt.Errorf("copy usage records: %w", err)
	}
	if int(n) != len(records) {
		return fmt.Errorf("copy usage records: wrote %d of %d", n, len(records))
	}
	return nil
}
