package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/edvin/iotgate/internal/api"
	mw "github.com/edvin/iotgate/internal/api/middleware"
	"github.com/edvin/iotgate/internal/audit"
	"github.com/edvin/iotgate/internal/config"
	"github.com/edvin/iotgate/internal/credential"
	"github.com/edvin/iotgate/internal/db"
	"github.com/edvin/iotgate/internal/logging"
	"github.com/edvin/iotgate/internal/metrics"
	"github.com/edvin/iotgate/internal/proxy"
	"github.com/edvin/iotgate/internal/ratelimit"
	"github.com/edvin/iotgate/internal/tier"
	"github.com/edvin/iotgate/internal/usage"
	"github.com/edvin/iotgate/internal/webhook"
)

const (
	auditBuffer = 1024
	usageBuffer = 4096
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "create-api-key" {
		createAPIKey(os.Args[2:])
		return
	}

	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("gateway-api"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Msg("running database migrations")
		if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	if err := metrics.RegisterPgxPoolMetrics(prometheus.DefaultRegisterer, "gateway", pool); err != nil {
		logger.Fatal().Err(err).Msg("failed to register pool metrics")
	}

	ready := map[string]metrics.ReadyFunc{"db": pool.Ping}

	tiers, err := tier.FromConfig(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure tiers")
	}

	auditLog := audit.NewLogger(pool, logger, auditBuffer)
	defer auditLog.Close()

	hasher, err := credential.NewHasher(cfg.KeyHashSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid key hash secret")
	}
	keys := credential.NewStore(credential.NewPostgresRepository(pool), hasher, tiers, auditLog, logger)

	var counters ratelimit.CounterStore
	switch cfg.RateLimitBackend {
	case "redis":
		rdb, err := ratelimit.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		counters = ratelimit.NewRedisStore(rdb, "iotgate:rl:")
		ready["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	default:
		counters = ratelimit.NewPostgresStore(pool)
	}
	mode, err := ratelimit.ParseDegradedMode(cfg.RateLimitDegradedMode)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid rate limit degraded mode")
	}
	limiter := ratelimit.NewLimiter(counters, tiers, mode, logger.With().Str("component", "ratelimit").Logger())
	logger.Info().Str("backend", cfg.RateLimitBackend).Str("degraded_mode", mode.String()).Msg("rate limiter configured")

	sinks := []usage.Sink{usage.NewPostgresSink(pool)}
	if cfg.InfluxURL != "" {
		influx, err := usage.ConnectInflux(ctx, cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to influxdb")
		}
		defer influx.Close()
		sinks = append(sinks, influx)
	}
	recorder := usage.NewRecorder(logger, usageBuffer, sinks...)
	defer recorder.Close()

	engine := webhook.NewEngine(webhook.NewPostgresRepository(pool), tiers, auditLog, logger,
		webhook.WithDevelopmentMode(cfg.Development()))

	upstreamURL, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid upstream URL")
	}

	srv := api.NewServer(logger, api.Deps{
		Gate:     mw.NewGate(keys, limiter, recorder, logger.With().Str("component", "gate").Logger()),
		Keys:     keys,
		Webhooks: engine,
		Events:   engine,
		Upstream: proxy.New(upstreamURL, tiers, logger),
		Ready:    ready,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Webhook test deliveries and upstream calls can take up to a minute.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Str("upstream", upstreamURL.Redacted()).Msg("starting gateway API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func createAPIKey(args []string) {
	fs := flag.NewFlagSet("create-api-key", flag.ExitOnError)
	account := fs.String("account", "", "Account the key belongs to (required)")
	name := fs.String("name", "", "Name for the API key (required)")
	scopes := fs.String("scopes", "", "Comma-separated scopes (required)")
	expires := fs.Duration("expires-in", 0, "Optional lifetime, e.g. 720h")
	fs.Parse(args)

	if *account == "" || *name == "" || *scopes == "" {
		fmt.Fprintln(os.Stderr, "error: --account, --name and --scopes are required")
		fmt.Fprintln(os.Stderr, "usage: gateway-api create-api-key --account <id> --name <name> --scopes devices:read,analytics:read")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	hasher, err := credential.NewHasher(cfg.KeyHashSecret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	tiers, err := tier.FromConfig(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	auditLog := audit.NewLogger(pool, logger, 1)
	defer auditLog.Close()

	var expiresAt *time.Time
	if *expires > 0 {
		t := time.Now().Add(*expires)
		expiresAt = &t
	}

	store := credential.NewStore(credential.NewPostgresRepository(pool), hasher, tiers, auditLog, logger)
	key, secret, err := store.Issue(ctx, credential.IssueParams{
		AccountID: *account,
		Name:      *name,
		Scopes:    splitScopes(*scopes),
		ExpiresAt: expiresAt,
		Actor:     "cli",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to create API key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("API key created successfully.\n\n")
	fmt.Printf("  Account: %s\n", key.AccountID)
	fmt.Printf("  Name:    %s\n", key.Name)
	fmt.Printf("  ID:      %s\n", key.ID)
	fmt.Printf("  Tier:    %s\n", key.Tier)
	fmt.Printf("  Scopes:  %s\n", strings.Join(key.Scopes, ","))
	fmt.Printf("  Key:     %s\n\n", secret)
	fmt.Printf("Save this key. It will not be shown again.\n")
}

func splitScopes(s string) []string {
	var out []string
	for _, sc := range strings.Split(s, ",") {
		if sc = strings.TrimSpace(sc); sc != "" {
			out = append(out, sc)
		}
	}
	return out
}
