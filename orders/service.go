// Package orders turns carts into priced orders, opens payment intents for
// them, and applies the confirmed-payment side effects exactly once no matter
// whether the client, the gateway webhook, or the delayed reconciliation
// check gets there first.
package orders

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"petshop-service/catalog"
	"petshop-service/database"
	"petshop-service/models"
	"petshop-service/payment"
)

const minShippingAddressLen = 10

// EventPublisher receives order lifecycle events. Publishing is best effort
// and happens only after the owning transaction has committed.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, evt models.OrderEvent, priority uint8) error
	PublishDelayedEvent(ctx context.Context, evt models.OrderEvent, delay time.Duration) error
}

type Options struct {
	Currency          string
	GatewayTimeout    time.Duration
	PaymentCheckDelay time.Duration
}

type Service struct {
	db      *sql.DB
	catalog *catalog.Service
	gateway payment.Gateway
	events  EventPublisher
	opts    Options
	now     func() time.Time
}

func NewService(db *sql.DB, cat *catalog.Service, gw payment.Gateway, events EventPublisher, opts Options) *Service {
	if events == nil {
		events = noopPublisher{}
	}
	if opts.Currency == "" {
		opts.Currency = "inr"
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 10 * time.Second
	}
	return &Service{
		db:      db,
		catalog: cat,
		gateway: gw,
		events:  events,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrderAndIntent prices the cart from the catalog, stores the order
// with its items, and opens a payment intent for the total. The order, its
// items and the payment row commit together; if the gateway call fails
// nothing is kept.
func (s *Service) CreateOrderAndIntent(ctx context.Context, userID int64, req models.CreateOrderRequest) (*models.CheckoutResult, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	var (
		result *models.CheckoutResult
		order  models.Order
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		items, total, err := s.priceCart(ctx, tx, req.Items)
		if err != nil {
			return err
		}
		if !total.IsPositive() {
			return ErrEmptyOrder
		}

		now := s.now()
		number, err := newOrderNumber(now)
		if err != nil {
			return err
		}
		order = models.Order{
			UserID:          userID,
			OrderNumber:     number,
			TotalAmount:     total,
			Status:          models.OrderStatusPending,
			PaymentStatus:   models.OrderPaymentPending,
			ShippingAddress: strings.TrimSpace(req.ShippingAddress),
			BillingAddress:  strings.TrimSpace(req.BillingAddress),
			Notes:           req.Notes,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO orders (user_id, order_number, total_amount, status, payment_status, shipping_address, billing_address, notes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, order.UserID, order.OrderNumber, order.TotalAmount, order.Status, order.PaymentStatus,
			order.ShippingAddress, order.BillingAddress, order.Notes, order.CreatedAt, order.UpdatedAt)
		if err != nil {
			return storeErr("insert order", err)
		}
		if order.ID, err = res.LastInsertId(); err != nil {
			return storeErr("order id", err)
		}

		for _, item := range items {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO order_items (order_id, item_type, item_id, quantity, price) VALUES (?, ?, ?, ?, ?)",
				order.ID, item.ItemType, item.ItemID, item.Quantity, item.Price,
			); err != nil {
				return storeErr("insert order item", err)
			}
		}

		gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
		intent, err := s.gateway.CreateIntent(gctx, minorUnits(total), s.opts.Currency, map[string]string{
			"order_id":     strconv.FormatInt(order.ID, 10),
			"order_number": order.OrderNumber,
			"user_id":      strconv.FormatInt(userID, 10),
		})
		cancel()
		if err != nil {
			return fmt.Errorf("create payment intent: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payments (order_id, payment_intent_id, amount, currency, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, order.ID, intent.ID, total, s.opts.Currency, models.PaymentStatusPending, now, now); err != nil {
			return storeErr("insert payment", err)
		}

		result = &models.CheckoutResult{
			ClientSecret: intent.ClientSecret,
			OrderID:      order.ID,
			OrderNumber:  order.OrderNumber,
			TotalAmount:  total,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Order %s created: id=%d user=%d total=%s", order.OrderNumber, order.ID, userID, order.TotalAmount)

	priority := uint8(5)
	if order.TotalAmount.GreaterThan(decimal.NewFromInt(1000)) {
		priority = 9
	}
	s.publish(ctx, &order, models.EventOrderCreated, priority)
	if s.opts.PaymentCheckDelay > 0 {
		if err := s.events.PublishDelayedEvent(ctx, s.event(&order, models.EventPaymentCheck), s.opts.PaymentCheckDelay); err != nil {
			log.Printf("Failed to schedule payment check for order %d: %v", order.ID, err)
		}
	}
	return result, nil
}

// priceCart resolves every line against the catalog and snapshots its
// current price. Repeated product lines are checked against their combined
// quantity.
func (s *Service) priceCart(ctx context.Context, q database.Querier, cart []models.CartItem) ([]models.OrderItem, decimal.Decimal, error) {
	wanted := make(map[int64]int)
	for _, ci := range cart {
		if ci.Type == models.KindProduct {
			wanted[ci.ID] += ci.Quantity
		}
	}

	total := decimal.Zero
	items := make([]models.OrderItem, 0, len(cart))
	for _, ci := range cart {
		p, err := s.catalog.GetPurchasable(ctx, q, ci.Type, ci.ID)
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, total, &ItemError{Kind: ci.Type, ID: ci.ID, Reason: "not found"}
		}
		if err != nil {
			return nil, total, storeErr("resolve cart item", err)
		}

		qty := ci.Quantity
		if ci.Type == models.KindProduct {
			qty = wanted[ci.ID]
		}
		if !p.CanSell(qty) {
			reason := "not available"
			if p.Available && ci.Type == models.KindProduct {
				reason = fmt.Sprintf("only %d in stock", p.Stock)
			}
			return nil, total, &ItemError{Kind: ci.Type, ID: ci.ID, Reason: reason}
		}

		items = append(items, models.OrderItem{
			ItemType: ci.Type,
			ItemID:   ci.ID,
			Quantity: ci.Quantity,
			Price:    p.Price,
		})
		total = total.Add(p.Price.Mul(decimal.NewFromInt(int64(ci.Quantity))))
	}
	return items, total, nil
}

func validateCreate(req models.CreateOrderRequest) error {
	if len(req.Items) == 0 {
		return &ValidationError{Field: "items", Message: "at least one item is required"}
	}
	pets := make(map[int64]bool)
	for i, item := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		switch {
		case !item.Type.Valid():
			return &ValidationError{Field: field + ".type", Message: "must be pet or product"}
		case item.ID <= 0:
			return &ValidationError{Field: field + ".id", Message: "must be positive"}
		case item.Quantity < 1:
			return &ValidationError{Field: field + ".quantity", Message: "must be at least 1"}
		}
		if item.Type == models.KindPet {
			if item.Quantity != 1 {
				return &ValidationError{Field: field + ".quantity", Message: "a pet can only be bought once"}
			}
			if pets[item.ID] {
				return &ValidationError{Field: field + ".id", Message: "pet listed more than once"}
			}
			pets[item.ID] = true
		}
	}
	if utf8.RuneCountInString(strings.TrimSpace(req.ShippingAddress)) < minShippingAddressLen {
		return &ValidationError{Field: "shipping_address", Message: fmt.Sprintf("must be at least %d characters", minShippingAddressLen)}
	}
	return nil
}

// newOrderNumber returns ORD-<unix millis>-<8 uppercase hex chars>.
func newOrderNumber(now time.Time) (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate order number: %w", err)
	}
	return fmt.Sprintf("ORD-%d-%s", now.UnixMilli(), strings.ToUpper(hex.EncodeToString(b[:]))), nil
}

func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func (s *Service) event(o *models.Order, typ string) models.OrderEvent {
	return models.OrderEvent{
		OrderID:  o.ID,
		UserID:   o.UserID,
		Type:     typ,
		Status:   o.Status,
		Total:    o.TotalAmount,
		Occurred: s.now(),
	}
}

func (s *Service) publish(ctx context.Context, o *models.Order, typ string, priority uint8) {
	if err := s.events.PublishOrderEvent(ctx, s.event(o, typ), priority); err != nil {
		log.Printf("Failed to publish order %s event for order %d: %v", typ, o.ID, err)
	}
}

// inTx runs fn in one transaction. Failing to begin or commit is reported
// as ErrTransientStore so callers can retry the same step.
func (s *Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	err := database.WithTx(ctx, s.db, fn)
	if errors.Is(err, database.ErrTxFailed) {
		return storeErr("transaction", err)
	}
	return err
}

type noopPublisher struct{}

func (noopPublisher) PublishOrderEvent(context.Context, models.OrderEvent, uint8) error { return nil }

func (noopPublisher) PublishDelayedEvent(context.Context, models.OrderEvent, time.Duration) error {
	return nil
}
