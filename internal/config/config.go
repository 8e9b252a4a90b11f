// Package config loads billing reconciler configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds all configuration for the billing reconciler.
type Config struct {
	BindAddress string
	Port        int
	DataDir     string

	Store       string
	DatabaseURL string

	StripeWebhookSecret string
	StripeAPIKey        string

	RedisURL string // optional; enables the shared in-flight lock

	PostHogAPIKey  string // optional; telemetry disabled when empty
	PostHogHost    string
	TelemetryQueue int

	EventRetention       time.Duration
	PruneSchedule        string
	SubscriptionCacheTTL time.Duration
	OTelEndpoint         string // optional OTLP gRPC endpoint for traces
	OTelInsecure         bool
	LogLevel             string
	LogFormat            string
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// TelemetryEnabled reports whether analytics delivery is configured.
func (c *Config) TelemetryEnabled() bool {
	return c.PostHogAPIKey != ""
}

// Load reads configuration for the HTTP service. A .env file is loaded if
// present but not required.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(true); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

// LoadStore reads configuration for maintenance commands that only touch the
// store; Stripe credentials are not required.
func LoadStore() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(false); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

func load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("BILLING_PORT", 8080)
	if err != nil {
		return nil, err
	}
	queue, err := envOrDefaultInt("BILLING_TELEMETRY_QUEUE", 256)
	if err != nil {
		return nil, err
	}
	retention, err := envOrDefaultDuration("BILLING_EVENT_RETENTION", 720*time.Hour)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := envOrDefaultDuration("BILLING_SUBSCRIPTION_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	otelInsecure, err := envOrDefaultBool("BILLING_OTEL_INSECURE", false)
	if err != nil {
		return nil, err
	}

	return &Config{
		BindAddress:          envOrDefault("BILLING_BIND_ADDRESS", "0.0.0.0"),
		Port:                 port,
		DataDir:              envOrDefault("BILLING_DATA_DIR", "./data"),
		Store:                strings.ToLower(envOrDefault("BILLING_STORE", StoreSQLite)),
		DatabaseURL:          strings.TrimSpace(os.Getenv("BILLING_DATABASE_URL")),
		StripeWebhookSecret:  strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeAPIKey:         strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		RedisURL:             strings.TrimSpace(os.Getenv("BILLING_REDIS_URL")),
		PostHogAPIKey:        strings.TrimSpace(os.Getenv("POSTHOG_API_KEY")),
		PostHogHost:          envOrDefault("POSTHOG_HOST", "https://us.i.posthog.com"),
		TelemetryQueue:       queue,
		EventRetention:       retention,
		PruneSchedule:        envOrDefault("BILLING_PRUNE_SCHEDULE", "@hourly"),
		SubscriptionCacheTTL: cacheTTL,
		OTelEndpoint:         strings.TrimSpace(os.Getenv("BILLING_OTEL_ENDPOINT")),
		OTelInsecure:         otelInsecure,
		LogLevel:             envOrDefault("BILLING_LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("BILLING_LOG_FORMAT", "auto"),
	}, nil
}

func (c *Config) validate(requireStripe bool) error {
	var missing []string
	if requireStripe {
		if c.StripeWebhookSecret == "" {
			missing = append(missing, "STRIPE_WEBHOOK_SECRET")
		}
		if c.StripeAPIKey == "" {
			missing = append(missing, "STRIPE_API_KEY")
		}
	}
	if c.Store == StorePostgres && c.DatabaseURL == "" {
		missing = append(missing, "BILLING_DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Store != StoreSQLite && c.Store != StorePostgres {
		return fmt.Errorf("BILLING_STORE must be %q or %q, got %q", StoreSQLite, StorePostgres, c.Store)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("BILLING_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.TelemetryQueue <= 0 {
		return fmt.Errorf("BILLING_TELEMETRY_QUEUE must be greater than 0, got %d", c.TelemetryQueue)
	}
	if c.EventRetention <= 0 {
		return fmt.Errorf("BILLING_EVENT_RETENTION must be greater than 0, got %s", c.EventRetention)
	}
	if c.SubscriptionCacheTTL < 0 {
		return fmt.Errorf("BILLING_SUBSCRIPTION_CACHE_TTL must not be negative, got %s", c.SubscriptionCacheTTL)
	}

	if c.PostHogAPIKey != "" {
		parsed, err := url.Parse(c.PostHogHost)
		if err != nil {
			return fmt.Errorf("POSTHOG_HOST must be a valid URL: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("POSTHOG_HOST must use http or https scheme")
		}
		if parsed.Host == "" {
			return fmt.Errorf("POSTHOG_HOST must include a host")
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a valid boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
