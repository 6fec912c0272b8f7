package orders

import (
	"context"
	"database/sql"
	"errors"

	"petshop-service/database"
	"petshop-service/models"
)

const orderColumns = `id, user_id, order_number, total_amount, status, payment_status,
	shipping_address, COALESCE(billing_address, ''), COALESCE(notes, ''), created_at, updated_at`

// GetOrder returns one of the user's orders with its items and payment.
func (s *Service) GetOrder(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	order, err := s.loadOrder(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	if order.Items, err = loadItems(ctx, s.db, order.ID); err != nil {
		return nil, err
	}
	return order, nil
}

// ListOrders returns the user's orders, newest first, with their items.
func (s *Service) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.order_number, o.total_amount, o.status, o.payment_status, o.shipping_address, o.created_at, o.updated_at,
		       oi.id, oi.item_type, oi.item_id, oi.quantity, oi.price
		FROM orders o
		JOIN order_items oi ON o.id = oi.order_id
		WHERE o.user_id = ?
		ORDER BY o.created_at DESC, o.id DESC, oi.id ASC
	`, userID)
	if err != nil {
		return nil, storeErr("list orders", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	index := make(map[int64]int)
	for rows.Next() {
		var (
			o    models.Order
			item models.OrderItem
		)
		if err := rows.Scan(&o.ID, &o.OrderNumber, &o.TotalAmount, &o.Status, &o.PaymentStatus, &o.ShippingAddress, &o.CreatedAt, &o.UpdatedAt,
			&item.ID, &item.ItemType, &item.ItemID, &item.Quantity, &item.Price); err != nil {
			return nil, storeErr("scan order row", err)
		}
		item.OrderID = o.ID

		i, seen := index[o.ID]
		if !seen {
			o.UserID = userID
			o.Items = []models.OrderItem{}
			orders = append(orders, o)
			i = len(orders) - 1
			index[o.ID] = i
		}
		orders[i].Items = append(orders[i].Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list orders", err)
	}
	return orders, nil
}

// ListRefundsDue returns cancelled orders whose payment was captured, with
// the payment that has to be refunded.
func (s *Service) ListRefundsDue(ctx context.Context) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.user_id, o.order_number, o.total_amount, o.status, o.payment_status, o.shipping_address, o.created_at, o.updated_at,
		       p.id, p.payment_intent_id, p.amount, p.currency, p.status, p.payment_method, p.transaction_id, p.created_at, p.updated_at
		FROM orders o
		JOIN payments p ON p.order_id = o.id
		WHERE o.payment_status = ?
		ORDER BY o.updated_at ASC, o.id ASC
	`, models.OrderPaymentRefundDue)
	if err != nil {
		return nil, storeErr("list refunds due", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var (
			o models.Order
			p models.Payment
		)
		if err := rows.Scan(&o.ID, &o.UserID, &o.OrderNumber, &o.TotalAmount, &o.Status, &o.PaymentStatus, &o.ShippingAddress, &o.CreatedAt, &o.UpdatedAt,
			&p.ID, &p.PaymentIntentID, &p.Amount, &p.Currency, &p.Status, &p.PaymentMethod, &p.TransactionID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, storeErr("scan refund row", err)
		}
		p.OrderID = o.ID
		o.Payment = &p
		o.Items = []models.OrderItem{}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list refunds due", err)
	}
	return orders, nil
}

func (s *Service) loadOrder(ctx context.Context, q database.Querier, orderID int64) (*models.Order, error) {
	var o models.Order
	err := q.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ?", orderID).Scan(
		&o.ID, &o.UserID, &o.OrderNumber, &o.TotalAmount, &o.Status, &o.PaymentStatus,
		&o.ShippingAddress, &o.BillingAddress, &o.Notes, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, storeErr("load order", err)
	}

	var p models.Payment
	err = q.QueryRowContext(ctx, `
		SELECT id, order_id, payment_intent_id, amount, currency, status, payment_method, transaction_id, created_at, updated_at
		FROM payments WHERE order_id = ? ORDER BY id DESC LIMIT 1
	`, orderID).Scan(&p.ID, &p.OrderID, &p.PaymentIntentID, &p.Amount, &p.Currency, &p.Status,
		&p.PaymentMethod, &p.TransactionID, &p.CreatedAt, &p.UpdatedAt)
	switch {
	case err == nil:
		o.Payment = &p
	case !errors.Is(err, sql.ErrNoRows):
		return nil, storeErr("load payment", err)
	}
	return &o, nil
}

func (s *Service) orderByIntent(ctx context.Context, intentID string) (*models.Order, error) {
	var orderID int64
	err := s.db.QueryRowContext(ctx, "SELECT order_id FROM payments WHERE payment_intent_id = ?", intentID).Scan(&orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, storeErr("find order by intent", err)
	}
	return s.loadOrder(ctx, s.db, orderID)
}

// loadItems reads every item before returning so the caller may issue
// further statements on the same connection.
func loadItems(ctx context.Context, q database.Querier, orderID int64) ([]models.OrderItem, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, order_id, item_type, item_id, quantity, price FROM order_items WHERE order_id = ? ORDER BY id",
		orderID,
	)
	if err != nil {
		return nil, storeErr("load order items", err)
	}
	defer rows.Close()

	items := []models.OrderItem{}
	for rows.Next() {
		var it models.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ItemType, &it.ItemID, &it.Quantity, &it.Price); err != nil {
			return nil, storeErr("scan order item", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load order items", err)
	}
	return items, nil
}
