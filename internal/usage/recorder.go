// Package usage records per-request API usage off the request path.
package usage

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/iotgate/internal/model"
)

var droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "usage_records_dropped_total",
	Help: "Usage records dropped because the buffer was full",
})

// Sink persists a batch of usage records.
type Sink interface {
	Name() string
	Write(ctx context.Context, records []model.APIUsage) error
}

// Recorder buffers usage records and writes them to every sink in batches
// from a single goroutine. Record never blocks.
type Recorder struct {
	sinks         []Sink
	logger        zerolog.Logger
	ch            chan model.APIUsage
	done          chan struct{}
	batchSize     int
	flushInterval time.Duration
}

// NewRecorder starts a Recorder.
func NewRecorder(logger zerolog.Logger, buffer int, sinks ...Sink) *Recorder {
	if buffer <= 0 {
		buffer = 4096
	}
	r := &Recorder{
		sinks:         sinks,
		logger:        logger,
		ch:            make(chan model.APIUsage, buffer),
		done:          make(chan struct{}),
		batchSize:     100,
		flushInterval: 2 * time.Second,
	}
	go r.run()
	return r
}

// Record enqueues u, dropping it when the buffer is full.
func (r *Recorder) Record(u model.APIUsage) {
	select {
	case r.ch <- u:
	default:
		droppedTotal.Inc()
		r.logger.Warn().Str("endpoint", u.Endpoint).Msg("usage buffer full, dropping record")
	}
}

// Close flushes buffered records and stops the writer.
func (r *Recorder) Close() {
	close(r.ch)
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]model.APIUsage, 0, r.batchSize)
	for {
		select {
		case u, ok := <-r.ch:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, u)
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = make([]model.APIUsage, 0, r.batchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = make([]model.APIUsage, 0, r.batchSize)
			}
		}
	}
}

func (r *Recorder) flush(batch []model.APIUsage) {
	if len(batch) == 0 {
		return
	}
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.Write(ctx, batch)
		cancel()
		if err != nil {
			r.logger.Error().Err(err).Str("sink", s.Name()).Int("records", len(batch)).
				Msg("failed to write usage records")
		}
	}
}
