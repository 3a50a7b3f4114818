package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environments.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Config is loaded from the environment. Each binary validates the subset it
// needs with Validate.
type Config struct {
	DatabaseURL    string
	HTTPListenAddr string
	MetricsAddr    string
	LogLevel       string
	Environment    string
	ServiceName    string
	InstanceID     string

	// KeyHashSecret keys the HMAC used to hash API keys. Rotating it
	// invalidates every issued key.
	KeyHashSecret string
	UpstreamURL   string

	RateLimitBackend      string
	RateLimitDegradedMode string
	RedisURL              string

	BillingAPIURL     string
	BillingAPIKey     string
	BillingStaticTier string
	TierOverridesFile string
	TierCacheTTL      time.Duration

	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopic       string
	MQTTTLSCACert   string
	MQTTTLSCert     string
	MQTTTLSKey      string
	MQTTConcurrency int

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	WebhookPollInterval time.Duration
	WebhookClaimBatch   int
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8090"),
		MetricsAddr:    getEnv("METRICS_ADDR", ":9090"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Environment:    getEnv("ENVIRONMENT", EnvProduction),
		ServiceName:    getEnv("SERVICE_NAME", ""),
		InstanceID:     getEnv("INSTANCE_ID", ""),

		KeyHashSecret: getEnv("KEY_HASH_SECRET", ""),
		UpstreamURL:   getEnv("UPSTREAM_URL", ""),

		RateLimitBackend:      getEnv("RATE_LIMIT_BACKEND", "postgres"),
		RateLimitDegradedMode: getEnv("RATE_LIMIT_DEGRADED_MODE", "open"),
		RedisURL:              getEnv("REDIS_URL", ""),

		BillingAPIURL:     getEnv("BILLING_API_URL", ""),
		BillingAPIKey:     getEnv("BILLING_API_KEY", ""),
		BillingStaticTier: getEnv("BILLING_STATIC_TIERS", ""),
		TierOverridesFile: getEnv("TIER_OVERRIDES_FILE", ""),

		MQTTBrokerURL: getEnv("MQTT_BROKER_URL", ""),
		MQTTClientID:  getEnv("MQTT_CLIENT_ID", "iotgate-worker"),
		MQTTUsername:  getEnv("MQTT_USERNAME", ""),
		MQTTPassword:  getEnv("MQTT_PASSWORD", ""),
		MQTTTopic:     getEnv("MQTT_TOPIC", "iot/events/#"),
		MQTTTLSCACert: getEnv("MQTT_TLS_CA_CERT", ""),
		MQTTTLSCert:   getEnv("MQTT_TLS_CERT", ""),
		MQTTTLSKey:    getEnv("MQTT_TLS_KEY", ""),

		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", ""),
		InfluxBucket: getEnv("INFLUX_BUCKET", ""),
	}

	var err error
	if cfg.TierCacheTTL, err = getDuration("TIER_CACHE_TTL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.WebhookPollInterval, err = getDuration("WEBHOOK_POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.WebhookClaimBatch, err = getInt("WEBHOOK_CLAIM_BATCH", 50); err != nil {
		return nil, err
	}
	if cfg.MQTTConcurrency, err = getInt("MQTT_CONCURRENCY", 8); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Development reports whether the process runs in development mode, which
// relaxes webhook URL checks.
func (c *Config) Development() bool {
	return c.Environment == EnvDevelopment
}

// Validate checks that the fields required by component are set. Known
// components are "gateway-api" and "worker".
func (c *Config) Validate(component string) error {
	var missing []string
	var problems []string

	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	switch component {
	case "gateway-api":
		require("DATABASE_URL", c.DatabaseURL)
		require("HTTP_LISTEN_ADDR", c.HTTPListenAddr)
		require("KEY_HASH_SECRET", c.KeyHashSecret)
		require("UPSTREAM_URL", c.UpstreamURL)
		if c.KeyHashSecret != "" && len(c.KeyHashSecret) < 32 {
			problems = append(problems, "KEY_HASH_SECRET must be at least 32 bytes")
		}
		switch c.RateLimitBackend {
		case "postgres":
		case "redis":
			require("REDIS_URL", c.RedisURL)
		default:
			problems = append(problems, fmt.Sprintf("RATE_LIMIT_BACKEND must be postgres or redis, got %q", c.RateLimitBackend))
		}
		switch c.RateLimitDegradedMode {
		case "open", "closed":
		default:
			problems = append(problems, fmt.Sprintf("RATE_LIMIT_DEGRADED_MODE must be open or closed, got %q", c.RateLimitDegradedMode))
		}
	case "worker":
		require("DATABASE_URL", c.DatabaseURL)
		require("METRICS_ADDR", c.MetricsAddr)
		if (c.MQTTTLSCert == "") != (c.MQTTTLSKey == "") {
			problems = append(problems, "MQTT_TLS_CERT and MQTT_TLS_KEY must both be set")
		}
	default:
		return fmt.Errorf("unknown component %q", component)
	}

	switch c.Environment {
	case EnvProduction, EnvDevelopment:
	default:
		problems = append(problems, fmt.Sprintf("ENVIRONMENT must be production or development, got %q", c.Environment))
	}
	if c.InfluxURL != "" && (c.InfluxOrg == "" || c.InfluxBucket == "") {
		problems = append(problems, "INFLUX_ORG and INFLUX_BUCKET are required when INFLUX_URL is set")
	}

	if len(missing) > 0 {
		problems = append([]string{"missing required environment variables: " + strings.Join(missing, ", ")}, problems...)
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid %s config: %s", component, strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
