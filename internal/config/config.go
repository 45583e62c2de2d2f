// Package config provides configuration management for the strategy builder.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"strategy-builder/internal/logging"
)

// Config holds all application configuration.
type Config struct {
	API         APIConfig      `mapstructure:"api"`
	Stream      StreamConfig   `mapstructure:"stream"`
	Store       StoreConfig    `mapstructure:"store"`
	Log         LogConfig      `mapstructure:"log"`
	Defaults    DefaultsConfig `mapstructure:"defaults"`
	UI          UIConfig       `mapstructure:"ui"`
	Credentials Credentials    `mapstructure:"-" json:"-"` // Loaded separately
}

// APIConfig holds strategy service REST settings.
type APIConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	ExchangeSegment string        `mapstructure:"exchange_segment"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	MaxRetries      int           `mapstructure:"max_retries"`
	// Consecutive outages before requests fail fast, and for how long.
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// StreamConfig holds update channel settings.
type StreamConfig struct {
	WSURL                string        `mapstructure:"ws_url"` // derived from api.base_url when empty
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	UpdateBuffer         int           `mapstructure:"update_buffer"`
}

// StoreConfig holds local snapshot settings.
type StoreConfig struct {
	Persist bool   `mapstructure:"persist"`
	DBPath  string `mapstructure:"db_path"` // defaults to <config dir>/strategies.db
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// DefaultsConfig holds defaults applied to builder commands.
type DefaultsConfig struct {
	Underlying   string `mapstructure:"underlying"`
	Quantity     int    `mapstructure:"quantity"`
	StrikeWindow int    `mapstructure:"strike_window"`
}

// UIConfig holds UI-related configuration.
type UIConfig struct {
	ColorEnabled bool `mapstructure:"color_enabled"`
}

// Credentials holds the bearer token and the user the update channel is opened for.
type Credentials struct {
	Token  string `mapstructure:"token"`
	UserID string `mapstructure:"user_id"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/strategy-builder"
	}
	return filepath.Join(home, ".config", "strategy-builder")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env in the working directory, then in the config directory; neither overrides
	// variables that are already set.
	_ = godotenv.Load()
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	cfg := &Config{}

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = filepath.Join(configDir, "strategies.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.exchange_segment", "NSEFO")
	v.SetDefault("api.timeout", "15s")
	v.SetDefault("api.rate_per_second", 5.0)
	v.SetDefault("api.burst", 5)
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.breaker_threshold", 5)
	v.SetDefault("api.breaker_cooldown", "30s")

	v.SetDefault("stream.max_reconnect_attempts", 5)
	v.SetDefault("stream.reconnect_base_delay", "1s")
	v.SetDefault("stream.reconnect_max_delay", "30s")
	v.SetDefault("stream.ping_interval", "30s")
	v.SetDefault("stream.update_buffer", 256)

	v.SetDefault("store.persist", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("log.file", true)
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 14)

	v.SetDefault("defaults.underlying", "NIFTY")
	v.SetDefault("defaults.quantity", 1)
	v.SetDefault("defaults.strike_window", 10)

	v.SetDefault("ui.color_enabled", true)
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateConfig(configDir, name)
		}
		return err
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STRATEGIST_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("STRATEGIST_WS_URL"); v != "" {
		cfg.Stream.WSURL = v
	}
	if v := os.Getenv("STRATEGIST_TOKEN"); v != "" {
		cfg.Credentials.Token = v
	}
	if v := os.Getenv("STRATEGIST_USER_ID"); v != "" {
		cfg.Credentials.UserID = v
	}
	if v := os.Getenv("STRATEGIST_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url must be an http(s) URL: %q", c.API.BaseURL)
	}
	if c.Stream.WSURL != "" {
		w, err := url.Parse(c.Stream.WSURL)
		if err != nil || (w.Scheme != "ws" && w.Scheme != "wss") {
			return fmt.Errorf("stream.ws_url must be a ws(s) URL: %q", c.Stream.WSURL)
		}
	}
	if c.API.RatePerSecond <= 0 {
		return fmt.Errorf("api.rate_per_second must be positive")
	}
	if c.API.MaxRetries < 0 {
		return fmt.Errorf("api.max_retries must be non-negative")
	}
	if c.API.BreakerThreshold < 0 {
		return fmt.Errorf("api.breaker_threshold must be non-negative")
	}
	if c.Stream.MaxReconnectAttempts < 0 {
		return fmt.Errorf("stream.max_reconnect_attempts must be non-negative")
	}
	if c.Stream.UpdateBuffer <= 0 {
		return fmt.Errorf("stream.update_buffer must be positive")
	}
	if c.Stream.ReconnectMaxDelay > 0 && c.Stream.ReconnectBaseDelay > c.Stream.ReconnectMaxDelay {
		return fmt.Errorf("stream.reconnect_base_delay must not exceed reconnect_max_delay")
	}
	if c.Defaults.Quantity <= 0 {
		return fmt.Errorf("defaults.quantity must be positive")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn or error)", c.Log.Level)
	}
	return nil
}

// StreamURL returns the websocket base URL, deriving it from the REST base when unset.
func (c *Config) StreamURL() string {
	if c.Stream.WSURL != "" {
		return strings.TrimRight(c.Stream.WSURL, "/")
	}
	base := strings.TrimRight(c.API.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// HasCredentials reports whether a token and user are configured.
func (c *Config) HasCredentials() bool {
	return c.Credentials.Token != "" && c.Credentials.UserID != ""
}

// LoggingConfig converts the [log] section for the logging package.
func (c *Config) LoggingConfig() logging.LogConfig {
	lc := logging.DefaultLogConfig()
	if c.Log.Level != "" {
		lc.Level = c.Log.Level
	}
	lc.Console = c.Log.Console
	lc.File = c.Log.File
	if c.Log.FilePath != "" {
		lc.FilePath = c.Log.FilePath
	}
	if c.Log.MaxSize > 0 {
		lc.MaxSize = c.Log.MaxSize
	}
	if c.Log.MaxBackups > 0 {
		lc.MaxBackups = c.Log.MaxBackups
	}
	if c.Log.MaxAge > 0 {
		lc.MaxAge = c.Log.MaxAge
	}
	return lc
}
