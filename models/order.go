package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderStatusPending   = "pending"
	OrderStatusConfirmed = "confirmed"
	OrderStatusCancelled = "cancelled"

	OrderPaymentPending = "pending"
	OrderPaymentPaid    = "paid"

	// Paid, but cancelled because an item sold out first. The captured
	// charge has to be refunded.
	OrderPaymentRefundDue = "refund_due"
)

type Order struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"user_id"`
	OrderNumber     string          `json:"order_number"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Status          string          `json:"status"`
	PaymentStatus   string          `json:"payment_status"`
	ShippingAddress string          `json:"shipping_address"`
	BillingAddress  string          `json:"billing_address,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Items           []OrderItem     `json:"items"`
	Payment         *Payment        `json:"payment,omitempty"`
}

// OrderItem holds the unit price as it was when the order was placed.
type OrderItem struct {
	ID       int64           `json:"id"`
	OrderID  int64           `json:"order_id"`
	ItemType ItemKind        `json:"item_type"`
	ItemID   int64           `json:"item_id"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// CartItem is one line of a checkout request. It carries no price: totals
// are always computed from the catalog.
type CartItem struct {
	Type     ItemKind `json:"type" binding:"required"`
	ID       int64    `json:"id" binding:"required"`
	Quantity int      `json:"quantity" binding:"required"`
}

type CreateOrderRequest struct {
	Items           []CartItem `json:"items" binding:"required"`
	ShippingAddress string     `json:"shipping_address" binding:"required"`
	BillingAddress  string     `json:"billing_address"`
	Notes           string     `json:"notes"`
}

type CheckoutResult struct {
	ClientSecret string          `json:"client_secret"`
	OrderID      int64           `json:"order_id"`
	OrderNumber  string          `json:"order_number"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
}

type ConfirmPaymentRequest struct {
	PaymentIntentID string `json:"payment_intent_id" binding:"required"`
}

type OrderEvent struct {
	OrderID  int64           `json:"order_id"`
	UserID   int64           `json:"user_id"`
	Type     string          `json:"type"` // created, confirmed, cancelled, oversold, payment_check
	Status   string          `json:"status"`
	Total    decimal.Decimal `json:"total"`
	Occurred time.Time       `json:"occurred"`
}

const (
	EventOrderCreated   = "created"
	EventOrderConfirmed = "confirmed"
	EventOrderCancelled = "cancelled"
	EventOrderOversold  = "oversold"
	EventPaymentCheck   = "payment_check"
)
