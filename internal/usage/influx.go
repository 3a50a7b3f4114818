package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/edvin/iotgate/internal/model"
)

const influxMeasurement = "api_request"

// PointWriter is satisfied by the influx blocking write API.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes usage records as api_request points for time-series
// dashboards.
type InfluxSink struct {
	writer PointWriter
	client influxdb2.Client
}

// NewInfluxSink wraps an existing writer.
func NewInfluxSink(writer PointWriter) *InfluxSink {
	return &InfluxSink{writer: writer}
}

// ConnectInflux creates a client, pings the server and returns a sink writing
// to org/bucket.
func ConnectInflux(ctx context.Context, url, token, org, bucket string) (*InfluxSink, error) {
	client := influxdb2.NewClient(url, token)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb server not healthy")
	}

	return &InfluxSink{writer: client.WriteAPIBlocking(org, bucket), client: client}, nil
}

func (s *InfluxSink) Name() string { return "influxdb" }

// Write implements Sink.
func (s *InfluxSink) Write(ctx context.Context, records []model.APIUsage) error {
	points := make([]*write.Point, 0, len(records))
	for _, u := range records {
		points = append(points, toPoint(u))
	}
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write usage points: %w", err)
	}
	return nil
}

// Close releases the client when the sink owns one.
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func toPoint(u model.APIUsage) *write.Point {
	return write.NewPoint(
		influxMeasurement,
		map[string]string{
			"account_id": u.AccountID,
			"api_key_id": u.APIKeyID,
			"endpoint":   u.Endpoint,
			"method":     u.Method,
			"status":     strconv.Itoa(u.StatusCode),
		},
		map[string]any{
			"latency_ms": float64(u.Latency.Microseconds()) / 1000,
			"count":      1,
		},
		u.At,
	)
}
