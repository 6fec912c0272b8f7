// Package payment adapts external payment processors to the small surface the
// order flow needs: create an intent, look it up, and verify webhooks.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

var (
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrIntentNotFound     = errors.New("payment intent not found")

	// ErrMalformedEvent is a correctly signed webhook body that cannot be
	// decoded.
	ErrMalformedEvent = errors.New("malformed webhook event")
)

// Intent statuses as reported by the processor.
const (
	IntentRequiresPayment = "requires_payment_method"
	IntentProcessing      = "processing"
	IntentSucceeded       = "succeeded"
	IntentCanceled        = "canceled"
)

// Webhook event kinds the order flow reacts to.
const (
	EventPaymentSucceeded = "payment_succeeded"
	EventPaymentFailed    = "payment_failed"
	EventOther            = "other"
)

type Intent struct {
	ID            string
	ClientSecret  string
	Status        string
	Amount        int64
	Currency      string
	PaymentMethod string
	TransactionID string
	Metadata      map[string]string
}

type WebhookEvent struct {
	ID            string
	Type          string // one of the Event* kinds
	RawType       string
	IntentID      string
	Amount        int64 // minor units
	PaymentMethod string
	TransactionID string
}

// Gateway is implemented by every processor adapter. Adapters keep no
// durable state.
type Gateway interface {
	CreateIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*Intent, error)
	RetrieveIntent(ctx context.Context, id string) (*Intent, error)
	VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

// retrying retries RetrieveIntent on ErrGatewayUnavailable. CreateIntent is
// passed through untouched: a blind retry could open a second intent.
type retrying struct {
	Gateway
	attempts int
	backoff  time.Duration
}

// WithRetry wraps g so that intent lookups survive transient outages.
func WithRetry(g Gateway, attempts int, backoff time.Duration) Gateway {
	if attempts <= 1 {
		return g
	}
	return &retrying{Gateway: g, attempts: attempts, backoff: backoff}
}

func (r *retrying) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	var lastErr error
	wait := r.backoff
	for attempt := 1; attempt <= r.attempts; attempt++ {
		intent, err := r.Gateway.RetrieveIntent(ctx, id)
		if err == nil || !errors.Is(err, ErrGatewayUnavailable) {
			return intent, err
		}
		lastErr = err
		if attempt == r.attempts {
			break
		}
		log.Printf("Retrieve intent %s failed (attempt %d/%d): %v", id, attempt, r.attempts, err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
	return nil, lastErr
}
