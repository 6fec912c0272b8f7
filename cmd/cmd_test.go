package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petshop-service/config"
	"petshop-service/database"
	"petshop-service/payment"
)

func TestBuildGateway(t *testing.T) {
	cfg := config.Defaults()
	cfg.PaymentProvider = "sandbox"
	cfg.StripeWebhookSecret = "whsec_x"
	gw, err := buildGateway(cfg)
	require.NoError(t, err)
	_, err = gw.RetrieveIntent(context.Background(), "pi_missing")
	assert.ErrorIs(t, err, payment.ErrIntentNotFound)

	cfg.PaymentProvider = "stripe"
	cfg.StripeSecretKey = "sk_test_x"
	gw, err = buildGateway(cfg)
	require.NoError(t, err)
	assert.NotNil(t, gw)

	cfg.PaymentProvider = "paypal"
	_, err = buildGateway(cfg)
	assert.Error(t, err)
}

func TestMigrateAndCreateAdmin(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cli.db")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DB_DRIVER", "sqlite3")
	t.Setenv("SQLITE_PATH", dbPath)
	t.Setenv("PETSHOP_ADMIN_PASSWORD", "correct-horse")

	root := NewRootCommand()
	root.SetArgs([]string{"migrate"})
	require.NoError(t, root.Execute())

	var out bytes.Buffer
	root = NewRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"create-admin", "--email", "ops@example.com"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Created admin ops@example.com")

	db, err := database.OpenSQLite(dbPath)
	require.NoError(t, err)
	defer db.Close()
	var role string
	require.NoError(t, db.QueryRow("SELECT role FROM users WHERE email = ?", "ops@example.com").Scan(&role))
	assert.Equal(t, "admin", role)

	root = NewRootCommand()
	root.SetArgs([]string{"create-admin"})
	assert.Error(t, root.Execute(), "email is required")
}

func TestCreateAdminRejectsShortPassword(t *testing.T) {
	t.Setenv("PETSHOP_ADMIN_PASSWORD", "short")
	root := NewRootCommand()
	root.SetArgs([]string{"create-admin", "--email", "ops@example.com"})
	assert.ErrorContains(t, root.Execute(), "PETSHOP_ADMIN_PASSWORD")
}
