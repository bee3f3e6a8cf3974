// Package config defines the top-level configuration for the wager settlement
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by WXWAGER_* environment variables.
type Config struct {
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	NWS         NWSConfig         `toml:"nws"`
	Observation ObservationConfig `toml:"observation"`
	Settlement  SettlementConfig  `toml:"settlement"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters for the audit log.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters used to archive
// settlement run summaries.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NWSConfig holds National Weather Service API parameters.
type NWSConfig struct {
	BaseURL        string   `toml:"base_url"`
	UserAgent      string   `toml:"user_agent"`
	RequestTimeout duration `toml:"request_timeout"`
	MaxRetries     int      `toml:"max_retries"`
	// BreakerFailures is the number of consecutive failures that opens the
	// circuit breaker.
	BreakerFailures int      `toml:"breaker_failures"`
	BreakerTimeout  duration `toml:"breaker_timeout"`
}

// ObservationConfig holds daily observation aggregation parameters.
type ObservationConfig struct {
	MinReadings int      `toml:"min_readings"`
	CacheTTL    duration `toml:"cache_ttl"`
}

// SettlementConfig holds orchestrator and scheduler parameters.
type SettlementConfig struct {
	Interval          duration `toml:"interval"`
	GradingWindowDays int      `toml:"grading_window_days"`
	VoidAfter         duration `toml:"void_after"`
	Workers           int      `toml:"workers"`
	ReconcileCron     string   `toml:"reconcile_cron"`
	ReconcileLockTTL  duration `toml:"reconcile_lock_ttl"`
	ArchiveRuns       bool     `toml:"archive_runs"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey is compared in constant time. APIKeyHash, when set, is a bcrypt
	// hash and takes precedence.
	APIKey     string `toml:"api_key"`
	APIKeyHash string `toml:"api_key_hash"`
	// RateLimit is the number of requests per client IP allowed in each
	// RateWindow; 0 disables rate limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Enabled:       true,
			Host:          "localhost",
			Port:          5432,
			Database:      "wxwager",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "wxwager-runs",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		NWS: NWSConfig{
			BaseURL:         "https://api.weather.gov",
			UserAgent:       "wxwager (ops@example.com)",
			RequestTimeout:  duration{15 * time.Second},
			MaxRetries:      3,
			BreakerFailures: 5,
			BreakerTimeout:  duration{30 * time.Second},
		},
		Observation: ObservationConfig{
			MinReadings: 4,
			CacheTTL:    duration{7 * 24 * time.Hour},
		},
		Settlement: SettlementConfig{
			Interval:          duration{15 * time.Minute},
			GradingWindowDays: 3,
			VoidAfter:         duration{48 * time.Hour},
			Workers:           4,
			ReconcileCron:     "30 4 * * *",
			ReconcileLockTTL:  duration{5 * time.Minute},
			ArchiveRuns:       true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"wager_voided", "settlement_errors"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"settle":    true,
	"reconcile": true,
	"scheduler": true,
	"serve":     true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: settle, reconcile, scheduler, serve, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// NWS
	if c.NWS.BaseURL == "" {
		errs = append(errs, "nws: base_url must not be empty")
	}
	if strings.TrimSpace(c.NWS.UserAgent) == "" {
		errs = append(errs, "nws: user_agent must not be empty (api.weather.gov rejects anonymous clients)")
	}
	if c.NWS.RequestTimeout.Duration <= 0 {
		errs = append(errs, "nws: request_timeout must be > 0")
	}
	if c.NWS.MaxRetries < 0 {
		errs = append(errs, "nws: max_retries must be >= 0")
	}
	if c.NWS.BreakerFailures < 1 {
		errs = append(errs, "nws: breaker_failures must be >= 1")
	}

	// Observation
	if c.Observation.MinReadings < 1 {
		errs = append(errs, "observation: min_readings must be >= 1")
	}
	if c.Observation.CacheTTL.Duration <= 0 {
		errs = append(errs, "observation: cache_ttl must be > 0")
	}

	// Settlement
	if c.Settlement.Interval.Duration < time.Minute {
		errs = append(errs, "settlement: interval must be >= 1m")
	}
	if c.Settlement.GradingWindowDays < 1 {
		errs = append(errs, "settlement: grading_window_days must be >= 1")
	}
	if c.Settlement.VoidAfter.Duration <= 0 {
		errs = append(errs, "settlement: void_after must be > 0")
	}
	if c.Settlement.Workers < 1 {
		errs = append(errs, "settlement: workers must be >= 1")
	}
	if strings.TrimSpace(c.Settlement.ReconcileCron) == "" {
		errs = append(errs, "settlement: reconcile_cron must not be empty")
	}
	if c.Settlement.ReconcileLockTTL.Duration <= 0 {
		errs = append(errs, "settlement: reconcile_lock_ttl must be > 0")
	}

	// Server
	if c.Server.Enabled || c.Mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Notify: a Telegram token needs a chat id and vice versa.
	tgToken := c.Notify.TelegramToken != ""
	tgChat := c.Notify.TelegramChatID != ""
	if tgToken != tgChat {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must both be set or both be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
