package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signaldesk/internal/scheduler"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID", "TWELVE_DATA_KEY", "PG_DSN", "REDIS_ADDR", "REDIS_PASSWORD", "SIGNALDESK_STATE_PATH", "LOG_LEVEL", "HTTP_PORT"} {
		t.Setenv(k, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "EUR/USD", cfg.Engine.Symbol)
	assert.Equal(t, 5000.0, cfg.Limits.Capital)
	assert.Equal(t, 250.0, cfg.Limits.MaxDailyLoss())
	assert.Equal(t, scheduler.DefaultWindow(), cfg.Engine.Window)
	assert.Error(t, cfg.ValidateRun())
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("testdata/signaldesk.yaml")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Minute, cfg.Engine.PollInterval)
	assert.Equal(t, scheduler.Window{StartHour: 8, EndHour: 16}, cfg.Engine.Window)
	assert.Equal(t, 10000.0, cfg.Limits.Capital)
	assert.Equal(t, 20*time.Minute, cfg.Lifecycle.DecisionTimeout)
	assert.Equal(t, 100, cfg.Breaker.Reserve)
	assert.Equal(t, 10*time.Minute, cfg.Breaker.Cooldown)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 2, cfg.Redis.DB)

	// Unset keys keep their defaults.
	assert.Equal(t, "signaldesk", cfg.Redis.Prefix)
	assert.Equal(t, 30*time.Second, cfg.Telegram.PollTimeout)
	assert.Equal(t, 8, cfg.Breaker.PerMinute)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "12345678:abc")
	t.Setenv("TWELVE_DATA_KEY", "td-key")
	t.Setenv("PG_DSN", "postgres://trader:hunter2@db:5432/signaldesk")
	t.Setenv("HTTP_PORT", "8181")

	cfg, err := Load("testdata/signaldesk.yaml")
	require.NoError(t, err)
	assert.Equal(t, "12345678:abc", cfg.Telegram.BotToken)
	assert.Equal(t, "td-key", cfg.MarketData.APIKey)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, 8181, cfg.HTTP.Port)
	assert.NoError(t, cfg.ValidateRun())

	red := cfg.Redacted()
	assert.Equal(t, "[REDACTED]", red.Telegram.BotToken)
	assert.Equal(t, "[REDACTED]", red.MarketData.APIKey)
	assert.Equal(t, "postgres://trader:[REDACTED]@db:5432/signaldesk", red.Database.DSN)
	assert.Equal(t, "12345678:abc", cfg.Telegram.BotToken, "original is untouched")
}

func TestLoadRejectsInvalid(t *testing.T) {
	clearEnv(t)
	_, err := Load("testdata/bad_limits.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds daily loss cap")

	_, err = Load("testdata/bad_sizing.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lot_step")

	_, err = Load("testdata/missing.yaml")
	assert.Error(t, err)

	t.Setenv("HTTP_PORT", "eighty")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"symbol mismatch", func(c *Config) { c.Strategy.Symbol = "GBP/USD" }},
		{"bad interval", func(c *Config) { c.Engine.Interval = "15s" }},
		{"reserve above budget", func(c *Config) { c.Breaker.Reserve = 900 }},
		{"window inverted", func(c *Config) { c.Engine.Window = scheduler.Window{StartHour: 15, EndHour: 9} }},
		{"bad telegram token", func(c *Config) { c.Telegram.BotToken = "nope" }},
		{"db without dsn", func(c *Config) { c.Database.Enabled = true }},
		{"no timeout", func(c *Config) { c.Lifecycle.DecisionTimeout = 0 }},
		{"zero lot step", func(c *Config) { c.Sizing.LotStep = 0 }},
		{"zero pip value", func(c *Config) { c.Sizing.PipValueLot = 0 }},
		{"zero stop pips", func(c *Config) { c.Strategy.Levels.StopPips = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
