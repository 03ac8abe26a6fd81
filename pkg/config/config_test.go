package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/odvcencio/marionette/pkg/errors"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDialTimeout, cfg.Session.DialTimeout)
	assert.Equal(t, DefaultOperationTimeout, cfg.Session.OperationTimeout)
	assert.Equal(t, []string{DefaultInterceptPattern}, cfg.Interception.Patterns)
	assert.Equal(t, DefaultLogLevel, cfg.Logging.Level)
	assert.False(t, cfg.Interception.Enabled)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marionette.yaml")
	data := `
session:
  endpoint: ws://127.0.0.1:9222/devtools/page/abc
  dial_timeout: 2s
interception:
  enabled: true
  patterns: ["*://example.com/*"]
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://127.0.0.1:9222/devtools/page/abc", cfg.Session.Endpoint)
	assert.Equal(t, 2*time.Second, cfg.Session.DialTimeout)
	// Unset fields fall back to defaults
	assert.Equal(t, DefaultOperationTimeout, cfg.Session.OperationTimeout)
	assert.True(t, cfg.Interception.Enabled)
	assert.Equal(t, []string{"*://example.com/*"}, cfg.Interception.Patterns)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, merrors.IsCode(err, merrors.ErrCodeConfigLoad))
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session: ["), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, merrors.IsCode(err, merrors.ErrCodeConfigParse))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MARIONETTE_ENDPOINT", "wss://remote:9222/devtools/browser/xyz")
	t.Setenv("MARIONETTE_INTERCEPT", "true")
	t.Setenv("MARIONETTE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "wss://remote:9222/devtools/browser/xyz", cfg.Session.Endpoint)
	assert.True(t, cfg.Interception.Enabled)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "http endpoint rejected",
			mutate: func(c *Config) {
				c.Session.Endpoint = "http://127.0.0.1:9222"
			},
			wantErr: true,
		},
		{
			name: "negative dial timeout rejected",
			mutate: func(c *Config) {
				c.Session.DialTimeout = -time.Second
			},
			wantErr: true,
		},
		{
			name: "unknown log level rejected",
			mutate: func(c *Config) {
				c.Logging.Level = "verbose"
			},
			wantErr: true,
		},
		{
			name: "empty intercept pattern rejected",
			mutate: func(c *Config) {
				c.Interception.Patterns = []string{"  "}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
