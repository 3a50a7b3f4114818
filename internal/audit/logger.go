// Package audit writes account audit records asynchronously.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/edvin/iotgate/internal/model"
)

// Recorder accepts audit entries without blocking the caller.
type Recorder interface {
	Record(entry model.AuditEntry)
}

// DB is the subset of pgxpool.Pool the writer needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Logger is an async audit log writer. Entries are buffered in a channel and
// written by a single goroutine; when the buffer is full entries are dropped.
type Logger struct {
	db     DB
	logger zerolog.Logger
	ch     chan model.AuditEntry
	done   chan struct{}
	now    func() time.Time
}

// NewLogger starts a Logger with the given buffer size.
func NewLogger(db DB, logger zerolog.Logger, buffer int) *Logger {
	if buffer <= 0 {
		buffer = 1024
	}
	l := &Logger{
		db:     db,
		logger: logger,
		ch:     make(chan model.AuditEntry, buffer),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	go l.drain()
	return l
}

// Record enqueues entry. It never blocks and never fails.
func (l *Logger) Record(entry model.AuditEntry) {
	if entry.At.IsZero() {
		entry.At = l.now()
	}
	entry.Metadata = sanitize(entry.Metadata)

	select {
	case l.ch <- entry:
	default:
		l.logger.Warn().Str("action", entry.Action).Msg("audit log buffer full, dropping entry")
	}
}

func (l *Logger) drain() {
	defer close(l.done)
	for entry := range l.ch {
		var metadata []byte
		if len(entry.Metadata) > 0 {
			metadata, _ = json.Marshal(entry.Metadata)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := l.db.Exec(ctx,
			`INSERT INTO audit_logs (account_id, actor, action, resource_type, resource_id, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			entry.AccountID, entry.Actor, entry.Action, entry.ResourceType, entry.ResourceID, metadata, entry.At,
		)
		cancel()
		if err != nil {
			l.logger.Error().Err(err).Str("action", entry.Action).Msg("failed to write audit log")
		}
	}
}

// Close stops accepting entries and waits for buffered ones to be written.
func (l *Logger) Close() {
	close(l.ch)
	<-l.done
}

// sensitiveFields are metadata keys that must never reach the audit table.
var sensitiveFields = map[string]bool{
	"secret": true, "key": true, "api_key": true, "token": true, "password": true,
}

func sanitize(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return metadata
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if sensitiveFields[k] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

// Nop discards entries.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(model.AuditEntry) {}
