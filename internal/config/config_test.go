package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Settlement.GradingWindowDays)
	assert.Equal(t, 48*time.Hour, cfg.Settlement.VoidAfter.Duration)
	assert.Equal(t, 4, cfg.Observation.MinReadings)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Redis.Addr = ""
	cfg.NWS.UserAgent = " "
	cfg.Settlement.GradingWindowDays = 0
	cfg.Notify.TelegramToken = "tok"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, "redis: addr must not be empty")
	assert.Contains(t, msg, "nws: user_agent must not be empty")
	assert.Contains(t, msg, "settlement: grading_window_days must be >= 1")
	assert.Contains(t, msg, "notify: telegram_token and telegram_chat_id")
}

func TestValidateSkipsDisabledSinks(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Enabled = false
	cfg.Postgres.Host = ""
	cfg.S3.Enabled = false
	cfg.S3.Bucket = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "settle"

[settlement]
interval = "5m"
void_after = "72h"

[nws]
user_agent = "file-agent"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("WXWAGER_NWS_USER_AGENT", "env-agent")
	t.Setenv("WXWAGER_SETTLEMENT_WORKERS", "9")
	t.Setenv("WXWAGER_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "settle", cfg.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Settlement.Interval.Duration)
	assert.Equal(t, 72*time.Hour, cfg.Settlement.VoidAfter.Duration)
	assert.Equal(t, "env-agent", cfg.NWS.UserAgent)
	assert.Equal(t, 9, cfg.Settlement.Workers)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pw"
	cfg.Server.APIKey = "key"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Notify.DiscordWebhookURL)
	assert.Empty(t, out.Server.APIKeyHash)
	assert.Equal(t, "pw", cfg.Postgres.Password)

	out.Server.CORSOrigins[0] = "mutated"
	assert.Equal(t, "http://localhost:3000", cfg.Server.CORSOrigins[0])
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "", redactDSN(""))
	assert.Equal(t, "postgres://app:***@db:5432/wxwager?sslmode=disable",
		redactDSN("postgres://app:hunter2@db:5432/wxwager?sslmode=disable"))
	assert.Equal(t, "postgres://app@db/wxwager", redactDSN("postgres://app@db/wxwager"))
	assert.Equal(t, "***", redactDSN("host=db user=app password=hunter2"))
}
