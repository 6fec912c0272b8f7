// Package testutil provides SQLite-backed fixtures shared by package tests.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"petshop-service/database"
)

// NewDB returns a migrated SQLite database in the test's temp dir.
func NewDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "petshop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.Migrate(context.Background(), db, "sqlite3"))
	return db
}

func SeedUser(t *testing.T, db *sql.DB, email, role string, active bool) int64 {
	t.Helper()
	now := time.Now().UTC()
	res, err := db.Exec(
		"INSERT INTO users (name, email, password_hash, role, is_active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		"Test User", email, "x", role, active, now, now,
	)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func SeedPet(t *testing.T, db *sql.DB, name string, price string, available bool) int64 {
	t.Helper()
	now := time.Now().UTC()
	res, err := db.Exec(
		"INSERT INTO pets (name, species, breed, age_months, description, image_url, price, is_available, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		name, "dog", "mixed", 6, "", "", decimal.RequireFromString(price), available, now, now,
	)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func SeedProduct(t *testing.T, db *sql.DB, name string, price string, stock int, available bool) int64 {
	t.Helper()
	now := time.Now().UTC()
	res, err := db.Exec(
		"INSERT INTO shop_products (name, category, description, image_url, price, stock_quantity, is_available, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		name, "food", "", "", decimal.RequireFromString(price), stock, available, now, now,
	)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

// SeedProductWithID inserts a product under a fixed id.
func SeedProductWithID(t *testing.T, db *sql.DB, id int64, name string, price string, stock int) {
	t.Helper()
	now := time.Now().UTC()
	_, err := db.Exec(
		"INSERT INTO shop_products (id, name, category, description, image_url, price, stock_quantity, is_available, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		id, name, "food", "", "", decimal.RequireFromString(price), stock, true, now, now,
	)
	require.NoError(t, err)
}

func ProductStock(t *testing.T, db *sql.DB, id int64) int {
	t.Helper()
	var stock int
	require.NoError(t, db.QueryRow("SELECT stock_quantity FROM shop_products WHERE id = ?", id).Scan(&stock))
	return stock
}

func PetAvailable(t *testing.T, db *sql.DB, id int64) bool {
	t.Helper()
	var available bool
	require.NoError(t, db.QueryRow("SELECT is_available FROM pets WHERE id = ?", id).Scan(&available))
	return available
}

func CountRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func OrderStatus(t *testing.T, db *sql.DB, orderID int64) (status, paymentStatus string) {
	t.Helper()
	require.NoError(t, db.QueryRow("SELECT status, payment_status FROM orders WHERE id = ?", orderID).Scan(&status, &paymentStatus))
	return status, paymentStatus
}

func PaymentStatus(t *testing.T, db *sql.DB, intentID string) string {
	t.Helper()
	var status string
	require.NoError(t, db.QueryRow("SELECT status FROM payments WHERE payment_intent_id = ?", intentID).Scan(&status))
	return status
}
