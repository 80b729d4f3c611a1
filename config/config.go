// Package config loads the signaling service configuration from a TOML file
// with environment overrides for secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures runtime configuration for the signaling service.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	Auth     AuthConfig     `toml:"Auth"`
	Registry RegistryConfig `toml:"Registry"`
	Database DatabaseConfig `toml:"Database"`
	Notify   NotifyConfig   `toml:"Notify"`
	Log      LogConfig      `toml:"Log"`
}

// AuthConfig controls the handshake credential policy.
type AuthConfig struct {
	Required      bool   `toml:"Required"`
	JWTSecret     string `toml:"JWTSecret"`
	Issuer        string `toml:"Issuer"`
	Audience      string `toml:"Audience"`
	ClockSkew     string `toml:"ClockSkew"`
	TokenCacheTTL string `toml:"TokenCacheTTL"`
}

// RegistryConfig selects and tunes the connection registry backend.
type RegistryConfig struct {
	Backend string `toml:"Backend"` // "memory" or "leveldb"
	Path    string `toml:"Path"`
	TTL     string `toml:"TTL"`
}

// DatabaseConfig selects the durable-store driver.
type DatabaseConfig struct {
	Driver string `toml:"Driver"` // "postgres" or "sqlite"
	DSN    string `toml:"DSN"`
}

// NotifyConfig points at the external notification services.
type NotifyConfig struct {
	EmailURL      string `toml:"EmailURL"`
	PushURL       string `toml:"PushURL"`
	Secret        string `toml:"Secret"`
	MaxAttempts   int    `toml:"MaxAttempts"`
	QueueCapacity int    `toml:"QueueCapacity"`
	QueueTTL      string `toml:"QueueTTL"`
}

// LogConfig controls optional file logging.
type LogConfig struct {
	FilePath   string `toml:"FilePath"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Load reads the configuration file, applies defaults and environment
// overrides, and validates the result. A missing file yields the defaults so
// a development instance starts with no configuration at all.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddress: ":8090",
		Environment:   "dev",
		Auth: AuthConfig{
			Required:      true,
			ClockSkew:     "2m",
			TokenCacheTTL: "5m",
		},
		Registry: RegistryConfig{
			Backend: "memory",
			TTL:     "30m",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:marketsignal.db",
		},
		Notify: NotifyConfig{
			MaxAttempts:   5,
			QueueCapacity: 1024,
			QueueTTL:      "15m",
		},
	}
}

// applyEnv overlays secrets and addresses that should not live in the file.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SIGNALD_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("SIGNALD_JWT_SECRET")); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("SIGNALD_DB_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("SIGNALD_NOTIFY_SECRET")); v != "" {
		cfg.Notify.Secret = v
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("config: ListenAddress required")
	}
	if c.Auth.Required && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("config: Auth.JWTSecret required when Auth.Required is set")
	}
	switch c.Registry.Backend {
	case "memory":
	case "leveldb":
		if strings.TrimSpace(c.Registry.Path) == "" {
			return errors.New("config: Registry.Path required for the leveldb backend")
		}
	default:
		return fmt.Errorf("config: unsupported registry backend %q", c.Registry.Backend)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("config: Database.DSN required")
	}
	for name, raw := range map[string]string{
		"Auth.ClockSkew":     c.Auth.ClockSkew,
		"Auth.TokenCacheTTL": c.Auth.TokenCacheTTL,
		"Registry.TTL":       c.Registry.TTL,
		"Notify.QueueTTL":    c.Notify.QueueTTL,
	} {
		if _, err := parseDuration(raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

// Duration helpers: the TOML fields keep human-readable strings, callers get
// time.Duration values.

func (c *AuthConfig) ClockSkewDuration() time.Duration     { return mustDuration(c.ClockSkew) }
func (c *AuthConfig) TokenCacheTTLDuration() time.Duration { return mustDuration(c.TokenCacheTTL) }
func (c *RegistryConfig) TTLDuration() time.Duration       { return mustDuration(c.TTL) }
func (c *NotifyConfig) QueueTTLDuration() time.Duration    { return mustDuration(c.QueueTTL) }

func parseDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	return time.ParseDuration(trimmed)
}

func mustDuration(raw string) time.Duration {
	d, err := parseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}
