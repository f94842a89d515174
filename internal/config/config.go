// Package config loads the assistant's YAML configuration and applies
// environment overrides for secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/signaldesk/internal/gates"
	"github.com/sawpanic/signaldesk/internal/infrastructure/db"
	opshttp "github.com/sawpanic/signaldesk/internal/interfaces/http"
	"github.com/sawpanic/signaldesk/internal/lifecycle"
	"github.com/sawpanic/signaldesk/internal/net/circuit"
	"github.com/sawpanic/signaldesk/internal/notify"
	"github.com/sawpanic/signaldesk/internal/providers/twelvedata"
	"github.com/sawpanic/signaldesk/internal/scheduler"
	"github.com/sawpanic/signaldesk/internal/strategy"
)

// Config is the complete runtime configuration.
type Config struct {
	Log        LogConfig             `yaml:"log"`
	State      StateConfig           `yaml:"state"`
	Engine     scheduler.Config      `yaml:"engine"`
	Limits     gates.Limits          `yaml:"limits"`
	Sizing     gates.Sizer           `yaml:"sizing"`
	Lifecycle  lifecycle.Config      `yaml:"lifecycle"`
	Strategy   strategy.Config       `yaml:"strategy"`
	Breaker    circuit.Config        `yaml:"breaker"`
	MarketData twelvedata.Config     `yaml:"market_data"`
	Telegram   notify.TelegramConfig `yaml:"telegram"`
	Database   db.Config             `yaml:"database"`
	Redis      RedisConfig           `yaml:"redis"`
	HTTP       opshttp.ServerConfig  `yaml:"http"`
}

// LogConfig selects level and output format ("auto", "console" or "json").
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StateConfig locates the state files.
type StateConfig struct {
	Path   string `yaml:"path"`
	Backup string `yaml:"backup"`
}

// RedisConfig configures the optional status cache. An empty address uses memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Default returns a configuration with every knob set.
func Default() Config {
	return Config{
		Log:        LogConfig{Level: "info", Format: "auto"},
		State:      StateConfig{Path: filepath.Join("data", "state.json")},
		Engine:     scheduler.DefaultConfig(),
		Limits:     gates.DefaultLimits(),
		Sizing:     gates.DefaultSizer(),
		Lifecycle:  lifecycle.DefaultConfig(),
		Strategy:   strategy.DefaultConfig(),
		Breaker:    circuit.DefaultConfig(),
		MarketData: twelvedata.Config{BaseURL: "https://api.twelvedata.com"},
		Telegram:   notify.DefaultTelegramConfig(),
		Database:   db.DefaultConfig(),
		Redis:      RedisConfig{Prefix: "signaldesk"},
		HTTP:       opshttp.DefaultServerConfig(),
	}
}

// Load reads path over the defaults, then applies the environment. An empty
// path skips the file. A .env file next to the working directory is loaded
// first when present.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	set("TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	set("TWELVE_DATA_KEY", &c.MarketData.APIKey)
	set("REDIS_ADDR", &c.Redis.Addr)
	set("REDIS_PASSWORD", &c.Redis.Password)
	set("SIGNALDESK_STATE_PATH", &c.State.Path)
	set("LOG_LEVEL", &c.Log.Level)
	if v, ok := lookup("PG_DSN"); ok && v != "" {
		c.Database.DSN = v
		c.Database.Enabled = true
	}
	if v, ok := lookup("HTTP_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTP_PORT must be a number: %w", err)
		}
		c.HTTP.Port = port
	}
	return nil
}

// Validate checks the configuration for consistency. Credentials needed only
// by the run command are checked by ValidateRun.
func (c Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if err := c.Engine.Window.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if c.Engine.Symbol == "" {
		return fmt.Errorf("engine: symbol is required")
	}
	if c.Strategy.Symbol != c.Engine.Symbol {
		return fmt.Errorf("strategy symbol %q does not match engine symbol %q", c.Strategy.Symbol, c.Engine.Symbol)
	}
	if _, err := twelvedata.ParseInterval(c.Engine.Interval); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine: poll_interval must be positive")
	}
	if c.Lifecycle.DecisionTimeout <= 0 {
		return fmt.Errorf("lifecycle: decision_timeout must be positive")
	}
	if c.Breaker.DailyBudget <= 0 || c.Breaker.Reserve < 0 || c.Breaker.Reserve >= c.Breaker.DailyBudget {
		return fmt.Errorf("breaker: reserve %d must be within [0, daily_budget %d)", c.Breaker.Reserve, c.Breaker.DailyBudget)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker: failure_threshold must be positive")
	}
	if err := c.Sizing.Validate(); err != nil {
		return fmt.Errorf("sizing: %w", err)
	}
	if err := c.Strategy.Levels.Validate(); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	if c.Telegram.BotToken != "" {
		if err := c.Telegram.Validate(); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.State.Path == "" {
		return fmt.Errorf("state: path is required")
	}
	return nil
}

// ValidateRun adds the checks that only matter for the trading loop.
func (c Config) ValidateRun() error {
	if c.MarketData.APIKey == "" {
		return fmt.Errorf("TWELVE_DATA_KEY is required")
	}
	return nil
}

var dsnPassword = regexp.MustCompile(`(postgres(?:ql)?://[^:/@]+:)[^@]+@`)

// Redacted returns a copy safe to print: secrets are masked.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "[REDACTED]"
	}
	c.Telegram.BotToken = mask(c.Telegram.BotToken)
	c.MarketData.APIKey = mask(c.MarketData.APIKey)
	c.Redis.Password = mask(c.Redis.Password)
	c.Database.DSN = dsnPassword.ReplaceAllString(c.Database.DSN, "${1}[REDACTED]@")
	return c
}
