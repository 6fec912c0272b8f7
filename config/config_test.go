package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DB_DRIVER", "")

	cfg := LoadConfig()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.Equal(t, "orders_queue", cfg.OrderQueue)
	assert.Equal(t, 15*time.Minute, cfg.PaymentCheckDelay)
	assert.Equal(t, "inr", cfg.PaymentCurrency)
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "petshop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_driver: sqlite3
sqlite_path: /tmp/shop.db
payment_provider: sandbox
payment_check_delay: 2m
rate_limit_rps: 1.5
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SQLITE_PATH", "/var/lib/shop.db")
	t.Setenv("PAYMENT_CURRENCY", "USD")

	cfg := LoadConfig()

	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, "/var/lib/shop.db", cfg.SQLitePath, "env overrides file")
	assert.Equal(t, "sandbox", cfg.PaymentProvider)
	assert.Equal(t, 2*time.Minute, cfg.PaymentCheckDelay)
	assert.Equal(t, 1.5, cfg.RateLimitRPS)
	assert.Equal(t, "usd", cfg.PaymentCurrency)
}

func TestSecretFromFile(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "jwt")
	require.NoError(t, os.WriteFile(secretPath, []byte("  file-secret\n"), 0o600))

	t.Setenv("CONFIG_FILE", "")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("JWT_SECRET_FILE", secretPath)

	cfg := LoadConfig()
	assert.Equal(t, "file-secret", cfg.JWTSecret)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name: "sandbox with secrets",
			mutate: func(c *Config) {
				c.JWTSecret = "s"
				c.PaymentProvider = "sandbox"
				c.StripeWebhookSecret = "whsec"
			},
		},
		{
			name: "missing jwt secret",
			mutate: func(c *Config) {
				c.PaymentProvider = "sandbox"
				c.StripeWebhookSecret = "whsec"
			},
			wantErr: true,
		},
		{
			name: "stripe without key",
			mutate: func(c *Config) {
				c.JWTSecret = "s"
				c.StripeWebhookSecret = "whsec"
			},
			wantErr: true,
		},
		{
			name: "unknown driver",
			mutate: func(c *Config) {
				c.JWTSecret = "s"
				c.DBDriver = "postgres"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
