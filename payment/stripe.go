package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	return &StripeGateway{
		api:           client.New(secretKey, nil),
		webhookSecret: webhookSecret,
	}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeError("create payment intent", err)
	}
	return fromStripeIntent(pi), nil
}

func (g *StripeGateway) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, mapStripeError("retrieve payment intent", err)
	}
	return fromStripeIntent(pi), nil
}

// VerifyWebhook checks the Stripe-Signature header, then decodes the event.
// A body that is signed correctly but cannot be decoded is reported as
// ErrMalformedEvent.
func (g *StripeGateway) VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if err := webhook.ValidatePayloadWithTolerance(payload, signature, g.webhookSecret, webhook.DefaultTolerance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	out := &WebhookEvent{
		ID:      event.ID,
		RawType: string(event.Type),
		Type:    classify(string(event.Type)),
	}
	if out.Type == EventOther || event.Data == nil {
		return out, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: payment intent in event %s: %v", ErrMalformedEvent, event.ID, err)
	}
	intent := fromStripeIntent(&pi)
	out.IntentID = intent.ID
	out.Amount = intent.Amount
	out.PaymentMethod = intent.PaymentMethod
	out.TransactionID = intent.TransactionID
	return out, nil
}

func fromStripeIntent(pi *stripe.PaymentIntent) *Intent {
	in := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
	if pi.PaymentMethod != nil {
		in.PaymentMethod = pi.PaymentMethod.ID
	}
	if pi.LatestCharge != nil {
		in.TransactionID = pi.LatestCharge.ID
	}
	return in
}

// mapStripeError separates outages (retryable at the edge) from definitive
// API answers.
func mapStripeError(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%s: %w: %v", op, ErrGatewayUnavailable, err)
	}
	switch {
	case se.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrIntentNotFound)
	case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500:
		return fmt.Errorf("%s: %w: %s", op, ErrGatewayUnavailable, se.Msg)
	default:
		return fmt.Errorf("%s: %s", op, se.Msg)
	}
}
