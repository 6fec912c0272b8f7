package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"

	"petshop-service/catalog"
	"petshop-service/models"
	"petshop-service/payment"
)

// Webhook outcomes.
const (
	OutcomeConfirmed      = "confirmed"
	OutcomeDuplicate      = "duplicate"
	OutcomePaymentFailed  = "payment_failed"
	OutcomeOversold       = "oversold"
	OutcomeIgnored        = "ignored"
	OutcomeAmountMismatch = "amount_mismatch"
	OutcomeMalformed      = "malformed"
)

type WebhookResult struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Outcome   string `json:"outcome"`
}

// ConfirmPayment finalizes the caller's order once the gateway itself
// reports the intent as succeeded.
func (s *Service) ConfirmPayment(ctx context.Context, userID, orderID int64, intentID string) error {
	order, err := s.loadOrder(ctx, s.db, orderID)
	if err != nil {
		return err
	}
	if order.UserID != userID {
		return ErrOrderNotFound
	}
	if order.Status != models.OrderStatusPending {
		return ErrAlreadyProcessed
	}
	if order.Payment == nil || order.Payment.PaymentIntentID != intentID {
		return &ValidationError{Field: "payment_intent_id", Message: "does not belong to this order"}
	}

	intent, err := s.retrieveIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if intent.Status != payment.IntentSucceeded {
		return fmt.Errorf("%w: intent status %s", ErrPaymentNotCompleted, intent.Status)
	}
	if err := checkAmount(order, intent.Amount); err != nil {
		return err
	}

	return s.finalize(ctx, order, intent.ID, intent.PaymentMethod, intent.TransactionID)
}

// HandleGatewayWebhook verifies and applies one gateway callback. Redelivery
// of the same event is a no-op. Only infrastructure failures are returned as
// errors so that the gateway retries exactly those.
func (s *Service) HandleGatewayWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	event, err := s.gateway.VerifyWebhook(payload, signature)
	if errors.Is(err, payment.ErrMalformedEvent) {
		// Authentic but unreadable; redelivery would fail the same way.
		log.Printf("Webhook dropped: %v", err)
		return &WebhookResult{Outcome: OutcomeMalformed}, nil
	}
	if err != nil {
		return nil, err
	}
	result := &WebhookResult{EventID: event.ID, EventType: event.RawType, Outcome: OutcomeIgnored}

	switch event.Type {
	case payment.EventPaymentSucceeded:
		order, err := s.orderByIntent(ctx, event.IntentID)
		if errors.Is(err, ErrOrderNotFound) {
			log.Printf("Webhook %s: no order for intent %s", event.ID, event.IntentID)
			return result, nil
		}
		if err != nil {
			return nil, err
		}
		if err := checkAmount(order, event.Amount); err != nil {
			log.Printf("Webhook %s: order %d not finalized: %v", event.ID, order.ID, err)
			result.Outcome = OutcomeAmountMismatch
			break
		}
		err = s.finalize(ctx, order, event.IntentID, event.PaymentMethod, event.TransactionID)
		switch {
		case err == nil:
			result.Outcome = OutcomeConfirmed
		case errors.Is(err, ErrAlreadyProcessed):
			result.Outcome = OutcomeDuplicate
		case errors.Is(err, ErrItemUnavailable):
			log.Printf("Webhook %s: order %d paid but could not be fulfilled: %v", event.ID, order.ID, err)
			result.Outcome = OutcomeOversold
		default:
			return nil, err
		}

	case payment.EventPaymentFailed:
		res, err := s.db.ExecContext(ctx,
			"UPDATE payments SET status = ?, updated_at = ? WHERE payment_intent_id = ? AND status = ?",
			models.PaymentStatusFailed, s.now(), event.IntentID, models.PaymentStatusPending,
		)
		if err != nil {
			return nil, storeErr("mark payment failed", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.Outcome = OutcomePaymentFailed
		} else {
			result.Outcome = OutcomeDuplicate
		}
	}

	log.Printf("Webhook %s (%s) for intent %s: %s", event.ID, event.RawType, event.IntentID, result.Outcome)
	return result, nil
}

// ReconcileOrder asks the gateway about a still-pending order and drives it
// to the state the gateway reports. Paid orders are finalized, canceled
// intents cancel the order, anything else is left for later.
func (s *Service) ReconcileOrder(ctx context.Context, orderID int64) error {
	order, err := s.loadOrder(ctx, s.db, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		log.Printf("Reconcile: order %d no longer exists", orderID)
		return nil
	}
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusPending || order.Payment == nil {
		return nil
	}

	intent, err := s.retrieveIntent(ctx, order.Payment.PaymentIntentID)
	if err != nil {
		return err
	}

	switch intent.Status {
	case payment.IntentSucceeded:
		if err := checkAmount(order, intent.Amount); err != nil {
			log.Printf("Reconcile: order %d left pending: %v", orderID, err)
			return nil
		}
		err := s.finalize(ctx, order, intent.ID, intent.PaymentMethod, intent.TransactionID)
		if errors.Is(err, ErrAlreadyProcessed) || errors.Is(err, ErrItemUnavailable) {
			log.Printf("Reconcile: order %d: %v", orderID, err)
			return nil
		}
		return err
	case payment.IntentCanceled:
		return s.cancel(ctx, order)
	default:
		log.Printf("Reconcile: order %d still awaiting payment (intent %s is %s)", orderID, intent.ID, intent.Status)
		return nil
	}
}

// finalize moves the order out of pending and applies its stock and
// availability effects in one transaction. The conditional status update
// makes every caller after the first see ErrAlreadyProcessed.
func (s *Service) finalize(ctx context.Context, order *models.Order, intentID, method, txnID string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = ?, payment_status = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, models.OrderStatusConfirmed, models.OrderPaymentPaid, now, order.ID, models.OrderStatusPending)
		if err != nil {
			return storeErr("confirm order", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return storeErr("confirm order", err)
		} else if n == 0 {
			return ErrAlreadyProcessed
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE payments SET status = ?, payment_method = ?, transaction_id = ?, updated_at = ?
			WHERE payment_intent_id = ? AND status <> ?
		`, models.PaymentStatusCompleted, method, txnID, now, intentID, models.PaymentStatusCompleted); err != nil {
			return storeErr("complete payment", err)
		}

		items, err := loadItems(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		// Fixed lock order across transactions.
		sort.Slice(items, func(i, j int) bool {
			if items[i].ItemType != items[j].ItemType {
				return items[i].ItemType < items[j].ItemType
			}
			return items[i].ItemID < items[j].ItemID
		})

		for _, item := range items {
			var err error
			switch item.ItemType {
			case models.KindProduct:
				err = s.catalog.DecrementStock(ctx, tx, item.ItemID, item.Quantity)
			case models.KindPet:
				err = s.catalog.MarkPetUnavailable(ctx, tx, item.ItemID)
			}
			if errors.Is(err, catalog.ErrConflict) {
				return &ItemError{Kind: item.ItemType, ID: item.ItemID, Reason: "sold out before payment completed"}
			}
			if err != nil {
				return storeErr("apply item side effects", err)
			}
		}
		return nil
	})

	var itemErr *ItemError
	switch {
	case err == nil:
		order.Status = models.OrderStatusConfirmed
		order.PaymentStatus = models.OrderPaymentPaid
		log.Printf("Order %d confirmed (intent %s)", order.ID, intentID)
		s.publish(ctx, order, models.EventOrderConfirmed, 5)
	case errors.As(err, &itemErr):
		if serr := s.settleOversold(ctx, order, intentID, method, txnID, itemErr); serr != nil {
			return serr
		}
	}
	return err
}

// settleOversold records a captured payment for an order that can no longer
// be fulfilled. The order is cancelled with payment status refund_due so it
// shows up in ListRefundsDue and is never finalized again.
func (s *Service) settleOversold(ctx context.Context, order *models.Order, intentID, method, txnID string, cause *ItemError) error {
	settled := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = ?, payment_status = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, models.OrderStatusCancelled, models.OrderPaymentRefundDue, now, order.ID, models.OrderStatusPending)
		if err != nil {
			return storeErr("cancel oversold order", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return storeErr("cancel oversold order", err)
		} else if n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE payments SET status = ?, payment_method = ?, transaction_id = ?, updated_at = ?
			WHERE payment_intent_id = ?
		`, models.PaymentStatusCompleted, method, txnID, now, intentID); err != nil {
			return storeErr("complete payment", err)
		}
		settled = true
		return nil
	})
	if err != nil {
		return err
	}
	if settled {
		order.Status = models.OrderStatusCancelled
		order.PaymentStatus = models.OrderPaymentRefundDue
		log.Printf("Order %d cancelled after payment (intent %s, charge %s): %v; refund due", order.ID, intentID, txnID, cause)
		s.publish(ctx, order, models.EventOrderOversold, 9)
	}
	return nil
}

// checkAmount rejects a settled amount, in minor units, that differs from
// the order total.
func checkAmount(order *models.Order, amountMinor int64) error {
	if want := minorUnits(order.TotalAmount); amountMinor != want {
		return fmt.Errorf("%w: paid amount %d does not match order total %d", ErrPaymentNotCompleted, amountMinor, want)
	}
	return nil
}

func (s *Service) cancel(ctx context.Context, order *models.Order) error {
	cancelled := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx,
			"UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
			models.OrderStatusCancelled, now, order.ID, models.OrderStatusPending,
		)
		if err != nil {
			return storeErr("cancel order", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE payments SET status = ?, updated_at = ? WHERE order_id = ? AND status = ?",
			models.PaymentStatusFailed, now, order.ID, models.PaymentStatusPending,
		); err != nil {
			return storeErr("fail payment", err)
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return err
	}
	if cancelled {
		order.Status = models.OrderStatusCancelled
		log.Printf("Order %d cancelled: payment intent was canceled", order.ID)
		s.publish(ctx, order, models.EventOrderCancelled, 8)
	}
	return nil
}

func (s *Service) retrieveIntent(ctx context.Context, id string) (*payment.Intent, error) {
	gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()
	intent, err := s.gateway.RetrieveIntent(gctx, id)
	if err != nil {
		return nil, fmt.Errorf("retrieve payment intent %s: %w", id, err)
	}
	return intent, nil
}
