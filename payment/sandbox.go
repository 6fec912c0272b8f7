package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const signatureTolerance = 5 * time.Minute

// SandboxGateway is an in-memory processor for local development and tests.
// Webhooks use the same "t=<unix>,v1=<hmac>" header scheme and event shape
// as Stripe, so the HTTP layer cannot tell the two apart.
type SandboxGateway struct {
	secret string
	now    func() time.Time

	mu               sync.Mutex
	intents          map[string]*Intent
	createErr        error
	retrieveFailures int
}

func NewSandboxGateway(webhookSecret string) *SandboxGateway {
	return &SandboxGateway{
		secret:  webhookSecret,
		now:     time.Now,
		intents: make(map[string]*Intent),
	}
}

func (g *SandboxGateway) CreateIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.createErr != nil {
		err := g.createErr
		g.createErr = nil
		return nil, err
	}
	if amountMinor <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", amountMinor)
	}

	id := "pi_" + compactUUID()
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	intent := &Intent{
		ID:           id,
		ClientSecret: id + "_secret_" + compactUUID(),
		Status:       IntentRequiresPayment,
		Amount:       amountMinor,
		Currency:     currency,
		Metadata:     md,
	}
	g.intents[id] = intent
	out := *intent
	return &out, nil
}

func (g *SandboxGateway) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.retrieveFailures > 0 {
		g.retrieveFailures--
		return nil, fmt.Errorf("%w: sandbox outage", ErrGatewayUnavailable)
	}
	intent, ok := g.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	out := *intent
	return &out, nil
}

func (g *SandboxGateway) VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	ts, sigs, err := parseSignatureHeader(signature)
	if err != nil {
		return nil, err
	}
	if d := g.now().Sub(time.Unix(ts, 0)); d > signatureTolerance || d < -signatureTolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	expected := g.sign(ts, payload)
	valid := false
	for _, s := range sigs {
		if hmac.Equal([]byte(s), []byte(expected)) {
			valid = true
			break
		}
	}
	if !valid {
		return nil, ErrInvalidSignature
	}
	return decodeEvent(payload)
}

// Settle marks an intent as paid, as if the customer completed checkout.
func (g *SandboxGateway) Settle(id, paymentMethod string) error {
	return g.update(id, func(in *Intent) {
		in.Status = IntentSucceeded
		in.PaymentMethod = paymentMethod
		in.TransactionID = "ch_" + compactUUID()
	})
}

// Decline leaves the intent awaiting a new payment method.
func (g *SandboxGateway) Decline(id string) error {
	return g.update(id, func(in *Intent) { in.Status = IntentRequiresPayment })
}

func (g *SandboxGateway) Cancel(id string) error {
	return g.update(id, func(in *Intent) { in.Status = IntentCanceled })
}

// FailNextCreate makes the next CreateIntent return err.
func (g *SandboxGateway) FailNextCreate(err error) {
	g.mu.Lock()
	g.createErr = err
	g.mu.Unlock()
}

// FailRetrieves makes the next n RetrieveIntent calls report an outage.
func (g *SandboxGateway) FailRetrieves(n int) {
	g.mu.Lock()
	g.retrieveFailures = n
	g.mu.Unlock()
}

// SignedEvent builds a webhook body for the intent plus its signature header.
// rawType is a processor event type such as "payment_intent.succeeded".
func (g *SandboxGateway) SignedEvent(rawType, intentID string) ([]byte, string, error) {
	g.mu.Lock()
	intent, ok := g.intents[intentID]
	var obj eventObject
	if ok {
		obj = eventObject{ID: intent.ID, Amount: intent.Amount, PaymentMethod: intent.PaymentMethod, LatestCharge: intent.TransactionID}
	} else {
		obj = eventObject{ID: intentID}
	}
	g.mu.Unlock()

	var env eventEnvelope
	env.ID = "evt_" + compactUUID()
	env.Type = rawType
	env.Data.Object = obj
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, "", err
	}
	return payload, g.SignatureHeader(payload), nil
}

// SignatureHeader signs payload with the current time.
func (g *SandboxGateway) SignatureHeader(payload []byte) string {
	ts := g.now().Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, g.sign(ts, payload))
}

func (g *SandboxGateway) sign(ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *SandboxGateway) update(id string, fn func(*Intent)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	fn(intent)
	return nil
}

func parseSignatureHeader(header string) (int64, []string, error) {
	var (
		ts   int64
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			ts = n
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}
	return ts, sigs, nil
}

type eventObject struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	PaymentMethod string `json:"payment_method,omitempty"`
	LatestCharge  string `json:"latest_charge,omitempty"`
}

type eventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object eventObject `json:"object"`
	} `json:"data"`
}

func decodeEvent(payload []byte) (*WebhookEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return &WebhookEvent{
		ID:            env.ID,
		Type:          classify(env.Type),
		RawType:       env.Type,
		IntentID:      env.Data.Object.ID,
		Amount:        env.Data.Object.Amount,
		PaymentMethod: env.Data.Object.PaymentMethod,
		TransactionID: env.Data.Object.LatestCharge,
	}, nil
}

func classify(rawType string) string {
	switch rawType {
	case "payment_intent.succeeded":
		return EventPaymentSucceeded
	case "payment_intent.payment_failed":
		return EventPaymentFailed
	default:
		return EventOther
	}
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
