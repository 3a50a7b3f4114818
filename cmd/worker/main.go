package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/iotgate/internal/audit"
	"github.com/edvin/iotgate/internal/config"
	"github.com/edvin/iotgate/internal/db"
	"github.com/edvin/iotgate/internal/events"
	"github.com/edvin/iotgate/internal/logging"
	"github.com/edvin/iotgate/internal/metrics"
	"github.com/edvin/iotgate/internal/ratelimit"
	"github.com/edvin/iotgate/internal/tier"
	"github.com/edvin/iotgate/internal/webhook"
)

const (
	pruneInterval = 10 * time.Minute
	mqttQoS       = 1
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("worker"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	if err := metrics.RegisterPgxPoolMetrics(prometheus.DefaultRegisterer, "worker", pool); err != nil {
		logger.Fatal().Err(err).Msg("failed to register pool metrics")
	}

	tiers, err := tier.FromConfig(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure tiers")
	}

	auditLog := audit.NewLogger(pool, logger, 256)
	defer auditLog.Close()

	engine := webhook.NewEngine(webhook.NewPostgresRepository(pool), tiers, auditLog, logger,
		webhook.WithDevelopmentMode(cfg.Development()))
	retries := webhook.NewRetryWorker(engine, cfg.WebhookPollInterval, cfg.WebhookClaimBatch, logger)

	ready := map[string]metrics.ReadyFunc{"db": pool.Ping}

	var bridge *events.Bridge
	if cfg.MQTTBrokerURL != "" {
		tlsConfig, err := cfg.MQTTTLS()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure mqtt TLS")
		}
		client, err := events.ConnectMQTT(events.MQTTConfig{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			TLS:       tlsConfig,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer client.Close()

		bridge = events.NewBridge(ctx, engine, logger, cfg.MQTTConcurrency)
		if err := client.Subscribe(cfg.MQTTTopic, mqttQoS, bridge.Handle); err != nil {
			logger.Fatal().Err(err).Str("topic", cfg.MQTTTopic).Msg("failed to subscribe to events")
		}
		ready["mqtt"] = func(context.Context) error {
			if !client.Connected() {
				return errors.New("not connected")
			}
			return nil
		}
		logger.Info().Str("topic", cfg.MQTTTopic).Msg("event bridge subscribed")
	}

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return retries.Run(gctx)
	})
	g.Go(func() error {
		runPrune(gctx, ratelimit.NewPostgresStore(pool), logger)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
	}

	logger.Info().Msg("shutting down worker")
	if bridge != nil {
		bridge.Wait()
	}
}

// runPrune periodically deletes expired Postgres rate limit counters. Redis
// expires its own keys.
func runPrune(ctx context.Context, store *ratelimit.PostgresStore, logger zerolog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Prune(ctx, time.Now().UTC())
			if err != nil {
				logger.Warn().Err(err).Msg("rate limit prune failed")
				continue
			}
			logger.Debug().Int64("rows", n).Msg("rate limit counters pruned")
		}
	}
}
