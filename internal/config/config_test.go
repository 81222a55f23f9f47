package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8083", cfg.Service.Port)
	assert.Equal(t, "postgres", cfg.Service.Store)
	assert.Equal(t, "https://api.paystack.co", cfg.Gateway.BaseURL)
	assert.Equal(t, int64(100), cfg.Gateway.SubunitFactor)
	assert.Equal(t, 3, cfg.Verify.Attempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Verify.InitialDelay)
	assert.Equal(t, "none", cfg.Events.Broker)
	assert.Equal(t, 15*time.Minute, cfg.Sweeper.StaleAfter)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("PAYMENT_SERVICE_PORT", "9090")
	t.Setenv("PAYMENT_STORE", "MEMORY")
	t.Setenv("PAYSTACK_SECRET_KEY", "sk_test_123")
	t.Setenv("VERIFY_ATTEMPTS", "5")
	t.Setenv("SWEEPER_STALE_AFTER", "30m")
	t.Setenv("EVENT_BROKER", "kafka")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Service.Port)
	assert.Equal(t, "memory", cfg.Service.Store)
	assert.Equal(t, "sk_test_123", cfg.Gateway.SecretKey)
	assert.Equal(t, 5, cfg.Verify.Attempts)
	assert.Equal(t, 30*time.Minute, cfg.Sweeper.StaleAfter)
	assert.Equal(t, "kafka", cfg.Events.Broker)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
service:
  port: "7000"
gateway:
  base_url: http://gateway.local
  subunit_factor: 1000
database:
  host: db.internal
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("DB_HOST", "db.override")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Service.Port)
	assert.Equal(t, "http://gateway.local", cfg.Gateway.BaseURL)
	assert.Equal(t, int64(1000), cfg.Gateway.SubunitFactor)
	assert.Equal(t, "db.override", cfg.Database.Host)
	assert.Contains(t, cfg.Database.DSN(), "host=db.override")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown store",
			mutate:  func(c *Config) { c.Service.Store = "mongo" },
			wantErr: `unknown store "mongo"`,
		},
		{
			name:    "unknown broker",
			mutate:  func(c *Config) { c.Events.Broker = "nats" },
			wantErr: `unknown event broker "nats"`,
		},
		{
			name:    "zero subunit factor",
			mutate:  func(c *Config) { c.Gateway.SubunitFactor = 0 },
			wantErr: "subunit factor",
		},
		{
			name:    "zero verify attempts",
			mutate:  func(c *Config) { c.Verify.Attempts = 0 },
			wantErr: "verify attempts",
		},
		{
			name: "inverted delays",
			mutate: func(c *Config) {
				c.Verify.InitialDelay = time.Second
				c.Verify.MaxDelay = time.Millisecond
			},
			wantErr: "max delay",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
