package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Worker   WorkerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Stripe   StripeConfig
	Webhook  WebhookConfig
	Channels ChannelsConfig
	Sync     SyncConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"SERVER_HOST"`
	Port         int           `mapstructure:"SERVER_PORT"`
	ReadTimeout  time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `mapstructure:"SERVER_IDLE_TIMEOUT"`
}

// WorkerConfig holds sync-worker settings. ID distinguishes consumers in the
// task and event consumer groups, so it must be unique per worker process.
type WorkerConfig struct {
	ID          string `mapstructure:"WORKER_ID"`
	Concurrency int    `mapstructure:"WORKER_CONCURRENCY"`
	Port        int    `mapstructure:"WORKER_PORT"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"POSTGRES_HOST"`
	Port     int    `mapstructure:"POSTGRES_PORT"`
	User     string `mapstructure:"POSTGRES_USER"`
	Password string `mapstructure:"POSTGRES_PASSWORD"`
	DBName   string `mapstructure:"POSTGRES_DB"`
	SSLMode  string `mapstructure:"POSTGRES_SSLMODE"`
	MaxConns int32  `mapstructure:"POSTGRES_MAX_CONNS"`
	MinConns int32  `mapstructure:"POSTGRES_MIN_CONNS"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"REDIS_HOST"`
	Port     int    `mapstructure:"REDIS_PORT"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
	PoolSize int    `mapstructure:"REDIS_POOL_SIZE"`
}

// StripeConfig holds payment processor settings.
type StripeConfig struct {
	APIKey        string `mapstructure:"STRIPE_API_KEY"`
	WebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	BaseURL       string `mapstructure:"STRIPE_BASE_URL"`
}

// WebhookConfig holds channel webhook ingress settings.
type WebhookConfig struct {
	RequireSignature bool `mapstructure:"WEBHOOK_REQUIRE_SIGNATURE"`
}

// ChannelCredentials holds the API credentials for one channel.
type ChannelCredentials struct {
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	TokenURL      string
}

// ChannelsConfig holds per-channel API settings keyed by channel type.
type ChannelsConfig struct {
	Credentials    map[string]ChannelCredentials
	GoogleJWKSURL  string
	GoogleAudience string
}

// LimitOverride replaces the built-in rate limit for one channel. Zero
// fields keep the built-in value.
type LimitOverride struct {
	Limit  int
	Window time.Duration
	Burst  int
}

// CircuitOverride replaces the built-in circuit breaker thresholds for one
// channel. Zero fields keep the built-in value.
type CircuitOverride struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	HalfOpenMaxCalls int
	Window           time.Duration
}

// SyncConfig holds per-channel tuning overrides. Channels without an entry
// use the built-in tables.
type SyncConfig struct {
	RateLimits map[string]LimitOverride
	Circuits   map[string]CircuitOverride
}

// channelNames enumerates the supported channel identifiers as they appear
// in environment keys (upper-cased) and API paths (as-is).
var channelNames = []string{"airbnb", "booking_com", "expedia", "fewo_direkt", "google"}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode,
	)
}

// Addr returns the Redis address in host:port format.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ServerAddr returns the HTTP listen address in host:port format.
func (s *ServerConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WorkerAddr returns the worker health/metrics listen address.
func (w *WorkerConfig) WorkerAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", w.Port)
}

// Load reads configuration from environment variables and .env file.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// ── Defaults ────────────────────────────────────────
	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("SERVER_PORT", 8080)
	viper.SetDefault("SERVER_READ_TIMEOUT", "5s")
	viper.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	viper.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	viper.SetDefault("WORKER_ID", "1")
	viper.SetDefault("WORKER_CONCURRENCY", 4)
	viper.SetDefault("WORKER_PORT", 8081)

	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_USER", "channelmanager")
	viper.SetDefault("POSTGRES_PASSWORD", "channelmanager_secret")
	viper.SetDefault("POSTGRES_DB", "channelmanager_db")
	viper.SetDefault("POSTGRES_SSLMODE", "disable")
	viper.SetDefault("POSTGRES_MAX_CONNS", 50)
	viper.SetDefault("POSTGRES_MIN_CONNS", 10)

	viper.SetDefault("REDIS_HOST", "localhost")
	viper.SetDefault("REDIS_PORT", 6379)
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_POOL_SIZE", 100)

	viper.SetDefault("STRIPE_BASE_URL", "https://api.stripe.com")

	viper.SetDefault("WEBHOOK_REQUIRE_SIGNATURE", true)

	viper.SetDefault("GOOGLE_JWKS_URL", "https://www.googleapis.com/oauth2/v3/certs")

	viper.SetDefault("AIRBNB_TOKEN_URL", "https://api.airbnb.com/v2/oauth2/token")
	viper.SetDefault("EXPEDIA_TOKEN_URL", "https://services.expediapartnercentral.com/oauth2/token")
	viper.SetDefault("FEWO_DIREKT_TOKEN_URL", "https://api.vrbo.com/oauth/token")
	viper.SetDefault("GOOGLE_TOKEN_URL", "https://oauth2.googleapis.com/token")
	// Booking.com uses long-lived machine credentials, no refresh endpoint.
	viper.SetDefault("BOOKING_COM_TOKEN_URL", "")

	// Try to read .env file. If it doesn't exist (e.g., inside Docker),
	// env vars injected by docker-compose env_file are used instead.
	_ = viper.ReadInConfig()

	cfg := &Config{}

	// ── Server ──────────────────────────────────────────
	cfg.Server = ServerConfig{
		Host:         viper.GetString("SERVER_HOST"),
		Port:         viper.GetInt("SERVER_PORT"),
		ReadTimeout:  viper.GetDuration("SERVER_READ_TIMEOUT"),
		WriteTimeout: viper.GetDuration("SERVER_WRITE_TIMEOUT"),
		IdleTimeout:  viper.GetDuration("SERVER_IDLE_TIMEOUT"),
	}

	// ── Worker ──────────────────────────────────────────
	cfg.Worker = WorkerConfig{
		ID:          viper.GetString("WORKER_ID"),
		Concurrency: viper.GetInt("WORKER_CONCURRENCY"),
		Port:        viper.GetInt("WORKER_PORT"),
	}

	// ── Postgres ────────────────────────────────────────
	cfg.Postgres = PostgresConfig{
		Host:     viper.GetString("POSTGRES_HOST"),
		Port:     viper.GetInt("POSTGRES_PORT"),
		User:     viper.GetString("POSTGRES_USER"),
		Password: viper.GetString("POSTGRES_PASSWORD"),
		DBName:   viper.GetString("POSTGRES_DB"),
		SSLMode:  viper.GetString("POSTGRES_SSLMODE"),
		MaxConns: viper.GetInt32("POSTGRES_MAX_CONNS"),
		MinConns: viper.GetInt32("POSTGRES_MIN_CONNS"),
	}

	// ── Redis ───────────────────────────────────────────
	cfg.Redis = RedisConfig{
		Host:     viper.GetString("REDIS_HOST"),
		Port:     viper.GetInt("REDIS_PORT"),
		Password: viper.GetString("REDIS_PASSWORD"),
		DB:       viper.GetInt("REDIS_DB"),
		PoolSize: viper.GetInt("REDIS_POOL_SIZE"),
	}

	// ── Stripe ──────────────────────────────────────────
	cfg.Stripe = StripeConfig{
		APIKey:        viper.GetString("STRIPE_API_KEY"),
		WebhookSecret: viper.GetString("STRIPE_WEBHOOK_SECRET"),
		BaseURL:       viper.GetString("STRIPE_BASE_URL"),
	}

	// ── Webhooks ────────────────────────────────────────
	cfg.Webhook = WebhookConfig{
		RequireSignature: viper.GetBool("WEBHOOK_REQUIRE_SIGNATURE"),
	}

	// ── Channel credentials ─────────────────────────────
	cfg.Channels = ChannelsConfig{
		Credentials:    make(map[string]ChannelCredentials, len(channelNames)),
		GoogleJWKSURL:  viper.GetString("GOOGLE_JWKS_URL"),
		GoogleAudience: viper.GetString("GOOGLE_WEBHOOK_AUDIENCE"),
	}
	for _, ch := range channelNames {
		upper := strings.ToUpper(ch)
		cfg.Channels.Credentials[ch] = ChannelCredentials{
			ClientID:      viper.GetString(upper + "_CLIENT_ID"),
			ClientSecret:  viper.GetString(upper + "_CLIENT_SECRET"),
			WebhookSecret: viper.GetString(upper + "_WEBHOOK_SECRET"),
			TokenURL:      viper.GetString(upper + "_TOKEN_URL"),
		}
	}

	// ── Per-channel tuning overrides ────────────────────
	cfg.Sync = SyncConfig{
		RateLimits: make(map[string]LimitOverride),
		Circuits:   make(map[string]CircuitOverride),
	}
	for _, ch := range channelNames {
		upper := strings.ToUpper(ch)

		rl := LimitOverride{
			Limit:  viper.GetInt("RATE_LIMIT_" + upper + "_LIMIT"),
			Window: time.Duration(viper.GetInt("RATE_LIMIT_"+upper+"_WINDOW_SECONDS")) * time.Second,
			Burst:  viper.GetInt("RATE_LIMIT_" + upper + "_BURST"),
		}
		if rl.Limit > 0 || rl.Window > 0 || rl.Burst > 0 {
			cfg.Sync.RateLimits[ch] = rl
		}

		cb := CircuitOverride{
			FailureThreshold: viper.GetInt("CIRCUIT_" + upper + "_FAILURE_THRESHOLD"),
			SuccessThreshold: viper.GetInt("CIRCUIT_" + upper + "_SUCCESS_THRESHOLD"),
			Timeout:          time.Duration(viper.GetInt("CIRCUIT_"+upper+"_TIMEOUT_SECONDS")) * time.Second,
			HalfOpenMaxCalls: viper.GetInt("CIRCUIT_" + upper + "_HALF_OPEN_MAX_CALLS"),
			Window:           time.Duration(viper.GetInt("CIRCUIT_"+upper+"_WINDOW_SECONDS")) * time.Second,
		}
		if cb != (CircuitOverride{}) {
			cfg.Sync.Circuits[ch] = cb
		}
	}

	return cfg, nil
}
