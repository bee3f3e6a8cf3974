package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies WXWAGER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known WXWAGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "WXWAGER_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "WXWAGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "WXWAGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "WXWAGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "WXWAGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "WXWAGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "WXWAGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "WXWAGER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "WXWAGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "WXWAGER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "WXWAGER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "WXWAGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "WXWAGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "WXWAGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "WXWAGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "WXWAGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "WXWAGER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "WXWAGER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "WXWAGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "WXWAGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "WXWAGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "WXWAGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "WXWAGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "WXWAGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "WXWAGER_S3_FORCE_PATH_STYLE")

	// ── NWS ──
	setStr(&cfg.NWS.BaseURL, "WXWAGER_NWS_BASE_URL")
	setStr(&cfg.NWS.UserAgent, "WXWAGER_NWS_USER_AGENT")
	setDuration(&cfg.NWS.RequestTimeout, "WXWAGER_NWS_REQUEST_TIMEOUT")
	setInt(&cfg.NWS.MaxRetries, "WXWAGER_NWS_MAX_RETRIES")
	setInt(&cfg.NWS.BreakerFailures, "WXWAGER_NWS_BREAKER_FAILURES")
	setDuration(&cfg.NWS.BreakerTimeout, "WXWAGER_NWS_BREAKER_TIMEOUT")

	// ── Observation ──
	setInt(&cfg.Observation.MinReadings, "WXWAGER_OBSERVATION_MIN_READINGS")
	setDuration(&cfg.Observation.CacheTTL, "WXWAGER_OBSERVATION_CACHE_TTL")

	// ── Settlement ──
	setDuration(&cfg.Settlement.Interval, "WXWAGER_SETTLEMENT_INTERVAL")
	setInt(&cfg.Settlement.GradingWindowDays, "WXWAGER_SETTLEMENT_GRADING_WINDOW_DAYS")
	setDuration(&cfg.Settlement.VoidAfter, "WXWAGER_SETTLEMENT_VOID_AFTER")
	setInt(&cfg.Settlement.Workers, "WXWAGER_SETTLEMENT_WORKERS")
	setStr(&cfg.Settlement.ReconcileCron, "WXWAGER_SETTLEMENT_RECONCILE_CRON")
	setDuration(&cfg.Settlement.ReconcileLockTTL, "WXWAGER_SETTLEMENT_RECONCILE_LOCK_TTL")
	setBool(&cfg.Settlement.ArchiveRuns, "WXWAGER_SETTLEMENT_ARCHIVE_RUNS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "WXWAGER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "WXWAGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "WXWAGER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "WXWAGER_SERVER_API_KEY")
	setStr(&cfg.Server.APIKeyHash, "WXWAGER_SERVER_API_KEY_HASH")
	setInt(&cfg.Server.RateLimit, "WXWAGER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "WXWAGER_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "WXWAGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "WXWAGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "WXWAGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "WXWAGER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "WXWAGER_MODE")
	setStr(&cfg.LogLevel, "WXWAGER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
