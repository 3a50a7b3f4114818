// Package events feeds business events published on the message bus into the
// webhook engine.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var messagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "events_messages_total",
		Help: "Bus messages processed by outcome",
	},
	[]string{"outcome"},
)

// ErrInvalidMessage is returned for payloads that cannot be turned into an
// event.
var ErrInvalidMessage = errors.New("invalid event message")

// Message is the bus payload.
type Message struct {
	Event string `json:"event"`
	// AccountID limits delivery to one account's endpoints. Empty means all.
	AccountID string         `json:"account_id,omitempty"`
	Data      map[string]any `json:"data"`
}

// Triggerer fans an event out to subscribed endpoints.
type Triggerer interface {
	Trigger(ctx context.Context, event string, data map[string]any, accountID string) (int, error)
}

// Bridge decodes bus messages and triggers webhooks for them.
type Bridge struct {
	ctx    context.Context
	engine Triggerer
	logger zerolog.Logger
	sem    chan struct{}
	wg     sync.WaitGroup
}

// NewBridge creates a Bridge. ctx bounds every trigger it starts; at most
// concurrency triggers run at once.
func NewBridge(ctx context.Context, engine Triggerer, logger zerolog.Logger, concurrency int) *Bridge {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Bridge{
		ctx:    ctx,
		engine: engine,
		logger: logger.With().Str("component", "event-bridge").Logger(),
		sem:    make(chan struct{}, concurrency),
	}
}

// Handle processes one message. It blocks while the bridge is at capacity.
func (b *Bridge) Handle(topic string, payload []byte) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		messagesTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w on %s: %w", ErrInvalidMessage, topic, err)
	}
	if msg.Event == "" {
		messagesTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w on %s: event is required", ErrInvalidMessage, topic)
	}

	select {
	case b.sem <- struct{}{}:
	case <-b.ctx.Done():
		messagesTotal.WithLabelValues("dropped").Inc()
		return b.ctx.Err()
	}
	b.wg.Add(1)
	defer func() {
		<-b.sem
		b.wg.Done()
	}()

	n, err := b.engine.Trigger(b.ctx, msg.Event, msg.Data, msg.AccountID)
	if err != nil {
		messagesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("trigger %s: %w", msg.Event, err)
	}
	messagesTotal.WithLabelValues("triggered").Inc()
	b.logger.Debug().Str("topic", topic).Str("event", msg.Event).Int("endpoints", n).Msg("event triggered")
	return nil
}

// Wait blocks until in-flight triggers have finished.
func (b *Bridge) Wait() {
	b.wg.Wait()
}
