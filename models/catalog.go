package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ItemKind tags a catalog entry as a pet or a shop product.
type ItemKind string

const (
	KindPet     ItemKind = "pet"
	KindProduct ItemKind = "product"
)

func (k ItemKind) Valid() bool {
	return k == KindPet || k == KindProduct
}

type Pet struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name" binding:"required"`
	Species     string          `json:"species" binding:"required"`
	Breed       string          `json:"breed"`
	AgeMonths   int             `json:"age_months"`
	Description string          `json:"description"`
	ImageURL    string          `json:"image_url"`
	Price       decimal.Decimal `json:"price"`
	IsAvailable bool            `json:"is_available"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type Product struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name" binding:"required"`
	Category      string          `json:"category" binding:"required"`
	Description   string          `json:"description"`
	ImageURL      string          `json:"image_url"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
	IsAvailable   bool            `json:"is_available"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type PetFilter struct {
	Species       string
	AvailableOnly bool
	Limit         int
	Offset        int
}

type ProductFilter struct {
	Category      string
	AvailableOnly bool
	Limit         int
	Offset        int
}
