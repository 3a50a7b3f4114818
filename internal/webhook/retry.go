package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/iotgate/internal/model"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultClaimBatch   = 50
	// A claimed retry becomes claimable again after this long, which covers a
	// worker dying mid-delivery.
	claimLease = 2 * time.Minute
)

// RetryWorker polls for attempts whose retry is due and performs the next
// attempt. Several workers may run against the same database.
type RetryWorker struct {
	engine   *Engine
	interval time.Duration
	batch    int
	logger   zerolog.Logger
}

// NewRetryWorker creates a RetryWorker.
func NewRetryWorker(engine *Engine, interval time.Duration, batch int, logger zerolog.Logger) *RetryWorker {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if batch <= 0 {
		batch = defaultClaimBatch
	}
	return &RetryWorker{
		engine:   engine,
		interval: interval,
		batch:    batch,
		logger:   logger.With().Str("component", "webhook-retry").Logger(),
	}
}

// Run polls until ctx is cancelled.
func (w *RetryWorker) Run(ctx context.Context) error {
	w.logger.Info().Dur("interval", w.interval).Int("batch", w.batch).Msg("retry worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("retry poll failed")
		}
		// A full batch means more work is probably waiting.
		if n == w.batch && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("retry worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due retries and performs them. It returns the
// number of claimed attempts.
func (w *RetryWorker) RunOnce(ctx context.Context) (int, error) {
	now := w.engine.now()
	due, err := w.engine.repo.ClaimDue(ctx, now, now.Add(claimLease), w.batch)
	if err != nil {
		return 0, err
	}

	g := new(errgroup.Group)
	g.SetLimit(w.engine.fanOut)
	for i := range due {
		prev := &due[i]
		g.Go(func() error {
			w.retry(ctx, prev)
			return nil
		})
	}
	_ = g.Wait()
	return len(due), nil
}

func (w *RetryWorker) retry(ctx context.Context, prev *model.WebhookDeliveryAttempt) {
	log := w.logger.With().
		Str("delivery_id", prev.DeliveryID).
		Str("endpoint_id", prev.EndpointID).
		Int("attempt", prev.Attempt+1).
		Logger()

	ep, err := w.engine.repo.GetEndpoint(ctx, prev.EndpointID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Error().Err(err).Msg("failed to load webhook for retry")
		return
	}
	if ep == nil || !ep.Active {
		log.Info().Msg("webhook removed, dropping retry")
		w.complete(ctx, prev, log)
		return
	}

	_, err = w.engine.Deliver(ctx, ep, Delivery{
		ID:      prev.DeliveryID,
		Event:   prev.EventType,
		Payload: prev.Payload,
		Attempt: prev.Attempt + 1,
	})
	switch {
	case errors.Is(err, ErrDuplicateAttempt):
		log.Warn().Msg("retry already attempted")
	case err != nil:
		log.Error().Err(err).Msg("webhook retry not recorded")
		return
	}
	w.complete(ctx, prev, log)
}

func (w *RetryWorker) complete(ctx context.Context, prev *model.WebhookDeliveryAttempt, log zerolog.Logger) {
	if err := w.engine.repo.CompleteRetry(context.WithoutCancel(ctx), prev.ID, w.engine.now()); err != nil {
		log.Error().Err(err).Msg("failed to unschedule retried attempt")
	}
}
