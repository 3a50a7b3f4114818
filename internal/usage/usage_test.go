package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/iotgate/internal/model"
)

type memSink struct {
	mu      sync.Mutex
	batches [][]model.APIUsage
	err     error
}

func (s *memSink) Name() string { return "mem" }

func (s *memSink) Write(_ context.Context, records []model.APIUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]model.APIUsage(nil), records...))
	return s.err
}

func (s *memSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func sample(endpoint string) model.APIUsage {
	return model.APIUsage{
		APIKeyID:   "k1",
		AccountID:  "a1",
		Endpoint:   endpoint,
		Method:     "GET",
		StatusCode: 200,
		Latency:    12500 * time.Microsecond,
		RequestID:  "req-1",
		At:         time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestRecorder_FlushesOnClose(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	r := NewRecorder(zerolog.Nop(), 16, a, b)

	r.Record(sample("/v1/devices"))
	r.Record(sample("/v1/alerts"))
	r.Close()

	assert.Equal(t, 2, a.total())
	assert.Equal(t, 2, b.total())
}

func TestRecorder_FlushesFullBatches(t *testing.T) {
	s := &memSink{}
	r := NewRecorder(zerolog.Nop(), 1000, s)

	for i := 0; i < 250; i++ {
		r.Record(sample("/v1/devices"))
	}
	r.Close()

	assert.Equal(t, 250, s.total())
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		assert.LessOrEqual(t, len(b), 100)
	}
}

func TestRecorder_SinkErrorDoesNotStopOthers(t *testing.T) {
	failing := &memSink{err: errors.New("down")}
	ok := &memSink{}
	r := NewRecorder(zerolog.Nop(), 16, failing, ok)

	r.Record(sample("/v1/devices"))
	r.Close()

	assert.Equal(t, 1, ok.total())
}

func TestRecorder_RecordNeverBlocks(t *testing.T) {
	block := make(chan struct{})
	s := &blockingSink{block: block}
	r := NewRecorder(zerolog.Nop(), 1, s)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			r.Record(sample("/v1/devices"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked")
	}
	close(block)
	r.Close()
}

type blockingSink struct{ block chan struct{} }

func (s *blockingSink) Name() string { return "blocking" }
func (s *blockingSink) Write(context.Context, []model.APIUsage) error {
	<-s.block
	return nil
}

// ---------- Postgres ----------

type copyDB struct {
	table   pgx.Identifier
	columns []string
	rows    [][]any
	err     error
}

func (d *copyDB) CopyFrom(_ context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	d.table = table
	d.columns = columns
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return 0, err
		}
		d.rows = append(d.rows, vals)
	}
	return int64(len(d.rows)), d.err
}

func TestPostgresSink_Write(t *testing.T) {
	db := &copyDB{}
	s := NewPostgresSink(db)

	err := s.Write(context.Background(), []model.APIUsage{sample("/v1/devices"), sample("/v1/alerts")})
	require.NoError(t, err)

	assert.Equal(t, pgx.Identifier{"api_usage"}, db.table)
	assert.Equal(t, usageColumns, db.columns)
	require.Len(t, db.rows, 2)
	assert.Equal(t, "/v1/alerts", db.rows[1][2])
	assert.Equal(t, int64(12), db.rows[0][5])
}

func TestPostgresSink_Error(t *testing.T) {
	s := NewPostgresSink(&copyDB{err: errors.New("copy failed")})

	err := s.Write(context.Background(), []model.APIUsage{sample("/v1/devices")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy usage records")
}

// ---------- Influx ----------

type pointWriter struct {
	points []*write.Point
}

func (w *pointWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	w.points = append(w.points, points...)
	return nil
}

func TestInfluxSink_Write(t *testing.T) {
	w := &pointWriter{}
	s := NewInfluxSink(w)

	require.NoError(t, s.Write(context.Background(), []model.APIUsage{sample("/v1/devices")}))
	require.Len(t, w.points, 1)

	p := w.points[0]
	assert.Equal(t, "api_request", p.Name())
	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, "/v1/devices", tags["endpoint"])
	assert.Equal(t, "200", tags["status"])

	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.InDelta(t, 12.5, fields["latency_ms"], 0.001)
	assert.Equal(t, sample("").At, p.Time())
}
