package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds process configuration for both the broker server and the
// page-side CLI.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Logging  LogConfig
	Bridge   BridgeConfig
	Settings SettingsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// StorageConfig holds the settings database location.
type StorageConfig struct {
	DSN string `envconfig:"DB_DSN" default:"crossrequest.sqlite3"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
	File        string `envconfig:"LOG_FILE"`
}

// BridgeConfig holds page-side relay configuration.
type BridgeConfig struct {
	URL            string        `envconfig:"BRIDGE_URL" default:"ws://localhost:8080/v1/bridge"`
	ReconnectDelay time.Duration `envconfig:"BRIDGE_RECONNECT_DELAY" default:"1s"`
}

// SettingsConfig points at an optional YAML file seeding broker settings.
type SettingsConfig struct {
	SeedFile string `envconfig:"SETTINGS_FILE"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DSN: "crossrequest.sqlite3",
		},
		Logging: LogConfig{
			Level: "info",
		},
		Bridge: BridgeConfig{
			URL:            "ws://localhost:8080/v1/bridge",
			ReconnectDelay: time.Second,
		},
	}
}
