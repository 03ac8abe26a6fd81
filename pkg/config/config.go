package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odvcencio/marionette/pkg/errors"
)

// Default configuration values exported for documentation and validation
const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultOperationTimeout = 30 * time.Second
	DefaultLogLevel         = "info"
	DefaultInterceptPattern = "*"
)

// Config represents the complete marionette configuration
type Config struct {
	Session      SessionConfig      `yaml:"session"`
	Interception InterceptionConfig `yaml:"interception"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// SessionConfig controls the connection to the remote debugging endpoint.
type SessionConfig struct {
	// Endpoint is the websocket debugger URL, e.g. ws://127.0.0.1:9222/devtools/page/<id>.
	Endpoint         string        `yaml:"endpoint"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// InterceptionConfig controls request interception.
type InterceptionConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Patterns []string `yaml:"patterns"`
}

// LoggingConfig controls the structured event logger.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Session: SessionConfig{
			DialTimeout:      DefaultDialTimeout,
			OperationTimeout: DefaultOperationTimeout,
		},
		Interception: InterceptionConfig{
			Patterns: []string{DefaultInterceptPattern},
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
	}
}

// Load reads configuration from a YAML file, merges it over defaults,
// applies environment overrides, and validates the result.
// An empty path yields defaults plus environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, errors.ErrCodeConfigLoad, "read config").WithContext("path", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrap(err, errors.ErrCodeConfigParse, "parse config").WithContext("path", path)
		}
	}

	cfg = cfg.withDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Session.DialTimeout == 0 {
		c.Session.DialTimeout = defaults.Session.DialTimeout
	}
	if c.Session.OperationTimeout == 0 {
		c.Session.OperationTimeout = defaults.Session.OperationTimeout
	}
	if len(c.Interception.Patterns) == 0 {
		c.Interception.Patterns = defaults.Interception.Patterns
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	return c
}

// applyEnv overrides config fields from MARIONETTE_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("MARIONETTE_ENDPOINT"); v != "" {
		c.Session.Endpoint = v
	}
	if v := os.Getenv("MARIONETTE_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.DialTimeout = d
		}
	}
	if v := os.Getenv("MARIONETTE_OPERATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.OperationTimeout = d
		}
	}
	if v := os.Getenv("MARIONETTE_INTERCEPT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Interception.Enabled = b
		}
	}
	if v := os.Getenv("MARIONETTE_LOG_DIR"); v != "" {
		c.Logging.Dir = v
	}
	if v := os.Getenv("MARIONETTE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks whether the config is usable.
func (c Config) Validate() error {
	if ep := strings.TrimSpace(c.Session.Endpoint); ep != "" {
		if !strings.HasPrefix(ep, "ws://") && !strings.HasPrefix(ep, "wss://") {
			return errors.New(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("session.endpoint must be a ws:// or wss:// URL, got %q", ep))
		}
	}
	if c.Session.DialTimeout < 0 {
		return errors.New(errors.ErrCodeConfigInvalid, "session.dial_timeout must be zero or positive")
	}
	if c.Session.OperationTimeout < 0 {
		return errors.New(errors.ErrCodeConfigInvalid, "session.operation_timeout must be zero or positive")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level))
	}
	for _, p := range c.Interception.Patterns {
		if strings.TrimSpace(p) == "" {
			return errors.New(errors.ErrCodeConfigInvalid, "interception.patterns must not contain empty entries")
		}
	}
	return nil
}
