// Package catalog owns pets and shop products: what can be bought, at what
// price, and the guarded writes that take an item off the shelf.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"petshop-service/database"
	"petshop-service/models"
)

var (
	ErrNotFound = errors.New("catalog item not found")
	// ErrConflict is returned by the guarded writes when the row no longer
	// satisfies the precondition (stock too low, pet already taken).
	ErrConflict = errors.New("catalog item no longer available")
	ErrInvalid  = errors.New("invalid catalog item")
)

const defaultPageSize = 50

// Purchasable is the order-time view of a pet or product.
type Purchasable struct {
	Kind      models.ItemKind
	ID        int64
	Name      string
	Price     decimal.Decimal
	Available bool
	Stock     int // products only
}

// CanSell reports whether qty units may be sold right now.
func (p Purchasable) CanSell(qty int) bool {
	if !p.Available || qty < 1 {
		return false
	}
	if p.Kind == models.KindProduct {
		return p.Stock >= qty
	}
	return true
}

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetPurchasable resolves an item by kind and id through q, which may be the
// caller's transaction.
func (s *Service) GetPurchasable(ctx context.Context, q database.Querier, kind models.ItemKind, id int64) (Purchasable, error) {
	p := Purchasable{Kind: kind, ID: id}
	var err error
	switch kind {
	case models.KindPet:
		err = q.QueryRowContext(ctx,
			"SELECT name, price, is_available FROM pets WHERE id = ?", id,
		).Scan(&p.Name, &p.Price, &p.Available)
	case models.KindProduct:
		err = q.QueryRowContext(ctx,
			"SELECT name, price, is_available, stock_quantity FROM shop_products WHERE id = ?", id,
		).Scan(&p.Name, &p.Price, &p.Available, &p.Stock)
	default:
		return p, fmt.Errorf("unknown item kind %q", kind)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("get %s %d: %w", kind, id, err)
	}
	return p, nil
}

// DecrementStock takes qty units of a product in one checked statement. It
// never reads then writes, so concurrent buyers cannot oversell.
func (s *Service) DecrementStock(ctx context.Context, q database.Querier, productID int64, qty int) error {
	res, err := q.ExecContext(ctx, `
		UPDATE shop_products
		SET stock_quantity = stock_quantity - ?, updated_at = ?
		WHERE id = ? AND stock_quantity >= ?
	`, qty, time.Now().UTC(), productID, qty)
	if err != nil {
		return fmt.Errorf("decrement stock for product %d: %w", productID, err)
	}
	return expectOneRow(res)
}

// MarkPetUnavailable flips a pet to unavailable. Already-unavailable pets
// report ErrConflict; the transition is one-way.
func (s *Service) MarkPetUnavailable(ctx context.Context, q database.Querier, petID int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE pets
		SET is_available = 0, updated_at = ?
		WHERE id = ? AND is_available = 1
	`, time.Now().UTC(), petID)
	if err != nil {
		return fmt.Errorf("mark pet %d unavailable: %w", petID, err)
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Service) ListPets(ctx context.Context, f models.PetFilter) ([]models.Pet, error) {
	var (
		where []string
		args  []any
	)
	if f.Species != "" {
		where = append(where, "species = ?")
		args = append(args, f.Species)
	}
	if f.AvailableOnly {
		where = append(where, "is_available = 1")
	}
	query := "SELECT id, name, species, breed, age_months, COALESCE(description, ''), image_url, price, is_available, created_at, updated_at FROM pets"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, pageSize(f.Limit), max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pets: %w", err)
	}
	defer rows.Close()

	pets := []models.Pet{}
	for rows.Next() {
		var p models.Pet
		if err := scanPet(rows, &p); err != nil {
			return nil, err
		}
		pets = append(pets, p)
	}
	return pets, rows.Err()
}

func (s *Service) GetPet(ctx context.Context, id int64) (*models.Pet, error) {
	var p models.Pet
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, species, breed, age_months, COALESCE(description, ''), image_url, price, is_available, created_at, updated_at FROM pets WHERE id = ?", id)
	if err := scanPet(row, &p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pet %d: %w", id, err)
	}
	return &p, nil
}

func (s *Service) CreatePet(ctx context.Context, p *models.Pet) error {
	if p.Price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative", ErrInvalid)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pets (name, species, breed, age_months, description, image_url, price, is_available, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Name, p.Species, p.Breed, p.AgeMonths, p.Description, p.ImageURL, p.Price, p.IsAvailable, now, now)
	if err != nil {
		return fmt.Errorf("insert pet: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func (s *Service) ListProducts(ctx context.Context, f models.ProductFilter) ([]models.Product, error) {
	var (
		where []string
		args  []any
	)
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.AvailableOnly {
		where = append(where, "is_available = 1 AND stock_quantity > 0")
	}
	query := "SELECT id, name, category, COALESCE(description, ''), image_url, price, stock_quantity, is_available, created_at, updated_at FROM shop_products"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, pageSize(f.Limit), max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		var p models.Product
		if err := scanProduct(rows, &p); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Service) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var p models.Product
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, category, COALESCE(description, ''), image_url, price, stock_quantity, is_available, created_at, updated_at FROM shop_products WHERE id = ?", id)
	if err := scanProduct(row, &p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get product %d: %w", id, err)
	}
	return &p, nil
}

func (s *Service) CreateProduct(ctx context.Context, p *models.Product) error {
	if p.Price.IsNegative() || p.StockQuantity < 0 {
		return fmt.Errorf("%w: price and stock must not be negative", ErrInvalid)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO shop_products (name, category, description, image_url, price, stock_quantity, is_available, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Name, p.Category, p.Description, p.ImageURL, p.Price, p.StockQuantity, p.IsAvailable, now, now)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPet(row scanner, p *models.Pet) error {
	return row.Scan(&p.ID, &p.Name, &p.Species, &p.Breed, &p.AgeMonths, &p.Description,
		&p.ImageURL, &p.Price, &p.IsAvailable, &p.CreatedAt, &p.UpdatedAt)
}

func scanProduct(row scanner, p *models.Product) error {
	return row.Scan(&p.ID, &p.Name, &p.Category, &p.Description, &p.ImageURL,
		&p.Price, &p.StockQuantity, &p.IsAvailable, &p.CreatedAt, &p.UpdatedAt)
}

func pageSize(limit int) int {
	if limit <= 0 || limit > 200 {
		return defaultPageSize
	}
	return limit
}
