package controllers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petshop-service/catalog"
	"petshop-service/idempotency"
	"petshop-service/models"
	"petshop-service/orders"
	"petshop-service/payment"
	"petshop-service/testutil"
	"petshop-service/users"
)

const (
	jwtSecret     = "controller-test-secret"
	webhookSecret = "whsec_controller"
	address       = "42 Wallaby Way, Sydney"
)

func init() {
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard
}

type server struct {
	db     *sql.DB
	gw     *payment.SandboxGateway
	users  *users.Store
	router *gin.Engine
}

func newServer(t *testing.T) *server {
	t.Helper()
	db := testutil.NewDB(t)
	gw := payment.NewSandboxGateway(webhookSecret)
	store, err := idempotency.New(filepath.Join(t.TempDir(), "idem.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cat := catalog.NewService(db)
	us := users.NewStore(db)
	router := SetupRouter(Deps{
		JWTSecret:   jwtSecret,
		TokenTTL:    time.Hour,
		Users:       us,
		Catalog:     cat,
		Orders:      orders.NewService(db, cat, gw, nil, orders.Options{Currency: "inr", GatewayTimeout: time.Second}),
		Idempotency: store,
		Ping:        db.PingContext,
	})
	return &server{db: db, gw: gw, users: us, router: router}
}

func (s *server) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) register(t *testing.T, email string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{"name": "Buyer", "email": email, "password": "password123"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Token
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field"`
	Item  *struct {
		Type string `json:"type"`
		ID   int64  `json:"id"`
	} `json:"item"`
}

func (s *server) intentFor(t *testing.T, orderID int64) string {
	t.Helper()
	var id string
	require.NoError(t, s.db.QueryRow("SELECT payment_intent_id FROM payments WHERE order_id = ?", orderID).Scan(&id))
	return id
}

func TestCheckoutFlow(t *testing.T) {
	s := newServer(t)
	token := s.register(t, "buyer@example.com")
	testutil.SeedProductWithID(t, s.db, 7, "Premium Kibble", "599", 10)

	// The client-supplied price is ignored.
	w := s.do(t, http.MethodPost, "/api/orders", token, `{
		"items": [{"type": "product", "id": 7, "quantity": 2, "price": 1}],
		"shipping_address": "`+address+`"
	}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	checkout := decode[models.CheckoutResult](t, w)
	assert.True(t, checkout.TotalAmount.Equal(decimal.NewFromInt(1198)))
	assert.NotEmpty(t, checkout.ClientSecret)

	intentID := s.intentFor(t, checkout.OrderID)
	confirmPath := fmt.Sprintf("/api/orders/%d/confirm", checkout.OrderID)

	w = s.do(t, http.MethodPost, confirmPath, token, gin.H{"payment_intent_id": intentID})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "payment_not_completed", decode[errorBody](t, w).Code)

	require.NoError(t, s.gw.Settle(intentID, "pm_card_visa"))
	w = s.do(t, http.MethodPost, confirmPath, token, gin.H{"payment_intent_id": intentID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	order := decode[models.Order](t, w)
	assert.Equal(t, models.OrderStatusConfirmed, order.Status)
	assert.Equal(t, models.OrderPaymentPaid, order.PaymentStatus)
	require.NotNil(t, order.Payment)
	assert.Equal(t, models.PaymentStatusCompleted, order.Payment.Status)
	assert.Equal(t, 8, testutil.ProductStock(t, s.db, 7))

	w = s.do(t, http.MethodPost, confirmPath, token, gin.H{"payment_intent_id": intentID})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_processed", decode[errorBody](t, w).Code)
	assert.Equal(t, 8, testutil.ProductStock(t, s.db, 7))

	w = s.do(t, http.MethodGet, "/api/orders", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Orders []models.Order `json:"orders"`
	}](t, w)
	require.Len(t, list.Orders, 1)
	assert.Equal(t, checkout.OrderNumber, list.Orders[0].OrderNumber)

	other := s.register(t, "other@example.com")
	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/orders/%d", checkout.OrderID), other, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateOrderErrors(t *testing.T) {
	s := newServer(t)
	token := s.register(t, "buyer@example.com")
	soldPet := testutil.SeedPet(t, s.db, "Milo", "3000", false)
	freebie := testutil.SeedProduct(t, s.db, "Sticker", "0", 10, true)
	bed := testutil.SeedProduct(t, s.db, "Bed", "1500", 2, true)

	t.Run("unauthenticated", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/orders", "", gin.H{})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed json", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/orders", token, `{"items":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("validation", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/orders", token, gin.H{
			"items":            []gin.H{{"type": "pet", "id": soldPet, "quantity": 3}},
			"shipping_address": address,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		body := decode[errorBody](t, w)
		assert.Equal(t, "validation_error", body.Code)
		assert.Equal(t, "items[0].quantity", body.Field)
	})

	t.Run("item unavailable", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/orders", token, gin.H{
			"items":            []gin.H{{"type": "pet", "id": soldPet, "quantity": 1}},
			"shipping_address": address,
		})
		assert.Equal(t, http.StatusConflict, w.Code)
		body := decode[errorBody](t, w)
		assert.Equal(t, "item_unavailable", body.Code)
		require.NotNil(t, body.Item)
		assert.Equal(t, "pet", body.Item.Type)
		assert.Equal(t, soldPet, body.Item.ID)
	})

	t.Run("empty order", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/orders", token, gin.H{
			"items":            []gin.H{{"type": "product", "id": freebie, "quantity": 1}},
			"shipping_address": address,
		})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("gateway down", func(t *testing.T) {
		s.gw.FailNextCreate(payment.ErrGatewayUnavailable)
		w := s.do(t, http.MethodPost, "/api/orders", token, gin.H{
			"items":            []gin.H{{"type": "product", "id": bed, "quantity": 1}},
			"shipping_address": address,
		})
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	assert.Zero(t, testutil.CountRows(t, s.db, "orders"))
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	s := newServer(t)
	token := s.register(t, "buyer@example.com")
	bed := testutil.SeedProduct(t, s.db, "Bed", "1500", 5, true)
	body := gin.H{
		"items":            []gin.H{{"type": "product", "id": bed, "quantity": 1}},
		"shipping_address": address,
	}

	first := s.do(t, http.MethodPost, "/api/orders", token, body, "Idempotency-Key", "checkout-1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := s.do(t, http.MethodPost, "/api/orders", token, body, "Idempotency-Key", "checkout-1")
	require.Equal(t, http.StatusCreated, second.Code)

	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, testutil.CountRows(t, s.db, "orders"))
	assert.Equal(t, 1, testutil.CountRows(t, s.db, "payments"))

	// The same key from another user is a different request.
	other := s.register(t, "other@example.com")
	third := s.do(t, http.MethodPost, "/api/orders", other, body, "Idempotency-Key", "checkout-1")
	require.Equal(t, http.StatusCreated, third.Code)
	assert.Equal(t, 2, testutil.CountRows(t, s.db, "orders"))
}

func TestWebhookEndpoint(t *testing.T) {
	s := newServer(t)
	token := s.register(t, "buyer@example.com")
	petID := testutil.SeedPet(t, s.db, "Bruno", "4500", true)

	w := s.do(t, http.MethodPost, "/api/orders", token, gin.H{
		"items":            []gin.H{{"type": "pet", "id": petID, "quantity": 1}},
		"shipping_address": address,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	checkout := decode[models.CheckoutResult](t, w)
	intentID := s.intentFor(t, checkout.OrderID)
	require.NoError(t, s.gw.Settle(intentID, "pm_card"))

	payload, sig, err := s.gw.SignedEvent("payment_intent.succeeded", intentID)
	require.NoError(t, err)

	w = s.do(t, http.MethodPost, "/api/payments/webhook", "", payload, SignatureHeader, "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.True(t, testutil.PetAvailable(t, s.db, petID))

	w = s.do(t, http.MethodPost, "/api/payments/webhook", "", payload)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "missing signature")

	w = s.do(t, http.MethodPost, "/api/payments/webhook", "", payload, SignatureHeader, sig)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, orders.OutcomeConfirmed, decode[gin.H](t, w)["outcome"])
	assert.False(t, testutil.PetAvailable(t, s.db, petID))

	w = s.do(t, http.MethodPost, "/api/payments/webhook", "", payload, SignatureHeader, sig)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, orders.OutcomeDuplicate, decode[gin.H](t, w)["outcome"])

	status, paid := testutil.OrderStatus(t, s.db, checkout.OrderID)
	assert.Equal(t, models.OrderStatusConfirmed, status)
	assert.Equal(t, models.OrderPaymentPaid, paid)
}

func TestAuthEndpoints(t *testing.T) {
	s := newServer(t)
	s.register(t, "asha@example.com")

	w := s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{"name": "Asha", "email": "asha@example.com", "password": "password123"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/auth/register", "", gin.H{"name": "Short", "email": "short@example.com", "password": "pw"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"email": "asha@example.com", "password": "nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_credentials", decode[errorBody](t, w).Code)

	w = s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"email": "asha@example.com", "password": "password123"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[struct {
		Token string      `json:"token"`
		User  models.User `json:"user"`
	}](t, w)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "asha@example.com", resp.User.Email)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestCatalogEndpoints(t *testing.T) {
	s := newServer(t)
	userToken := s.register(t, "user@example.com")

	admin, err := s.users.CreateAdmin(context.Background(), models.RegisterRequest{Name: "Ops", Email: "ops@example.com", Password: "password123"})
	require.NoError(t, err)
	w := s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"email": admin.Email, "password": "password123"})
	require.Equal(t, http.StatusOK, w.Code)
	adminToken := decode[struct {
		Token string `json:"token"`
	}](t, w).Token

	product := gin.H{"name": "Chew toy", "category": "toys", "price": "149.50", "stock_quantity": 12, "is_available": true}

	w = s.do(t, http.MethodPost, "/api/admin/products", userToken, product)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/admin/products", adminToken, product)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.Product](t, w)
	assert.Positive(t, created.ID)

	w = s.do(t, http.MethodPost, "/api/admin/products", adminToken, gin.H{"name": "Bad", "category": "toys", "price": "-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/admin/pets", adminToken, gin.H{"name": "Rex", "species": "dog", "price": "2500", "is_available": true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	pet := decode[models.Pet](t, w)

	w = s.do(t, http.MethodGet, "/api/products?category=toys&available=true", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	products := decode[struct {
		Products []models.Product `json:"products"`
	}](t, w).Products
	require.Len(t, products, 1)
	assert.True(t, products[0].Price.Equal(decimal.RequireFromString("149.50")))

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/pets/%d", pet.ID), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Rex", decode[models.Pet](t, w).Name)

	w = s.do(t, http.MethodGet, "/api/pets/9999", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodGet, "/api/pets/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminReconcile(t *testing.T) {
	s := newServer(t)
	token := s.register(t, "buyer@example.com")
	_, err := s.users.CreateAdmin(context.Background(), models.RegisterRequest{Name: "Ops", Email: "ops@example.com", Password: "password123"})
	require.NoError(t, err)
	w := s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"email": "ops@example.com", "password": "password123"})
	adminToken := decode[struct {
		Token string `json:"token"`
	}](t, w).Token

	bed := testutil.SeedProduct(t, s.db, "Bed", "1500", 5, true)
	w = s.do(t, http.MethodPost, "/api/orders", token, gin.H{
		"items":            []gin.H{{"type": "product", "id": bed, "quantity": 1}},
		"shipping_address": address,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	checkout := decode[models.CheckoutResult](t, w)
	require.NoError(t, s.gw.Cancel(s.intentFor(t, checkout.OrderID)))

	path := fmt.Sprintf("/api/admin/orders/%d/reconcile", checkout.OrderID)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, path, token, nil).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, path, adminToken, nil).Code)

	status, _ := testutil.OrderStatus(t, s.db, checkout.OrderID)
	assert.Equal(t, models.OrderStatusCancelled, status)
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	require.NoError(t, s.db.Close())
	w = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWriteErrorHidesStoreErrors(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	writeError(c, fmt.Errorf("list orders: %w: %w", orders.ErrTransientStore, fmt.Errorf("dial tcp 10.0.0.5:3306: connection refused")))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.5")
}

func TestCreateOrderWithStoreDown(t *testing.T) {
	db := testutil.NewDB(t)
	productID := testutil.SeedProduct(t, db, "Leash", "250", 4, true)
	userID := testutil.SeedUser(t, db, "buyer@example.com", models.RoleUser, true)
	svc := orders.NewService(db, catalog.NewService(db), payment.NewSandboxGateway(webhookSecret), nil,
		orders.Options{Currency: "inr", GatewayTimeout: time.Second})
	require.NoError(t, db.Close())

	_, err := svc.CreateOrderAndIntent(context.Background(), userID, models.CreateOrderRequest{
		Items:           []models.CartItem{{Type: models.KindProduct, ID: productID, Quantity: 1}},
		ShippingAddress: address,
	})
	require.ErrorIs(t, err, orders.ErrTransientStore)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/orders", nil)
	writeError(c, err)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "transient_store_error", decode[errorBody](t, w).Code)
}

func TestOversoldOrderIsListedForRefund(t *testing.T) {
	s := newServer(t)
	first := s.register(t, "first@example.com")
	second := s.register(t, "second@example.com")
	_, err := s.users.CreateAdmin(context.Background(), models.RegisterRequest{Name: "Ops", Email: "ops@example.com", Password: "password123"})
	require.NoError(t, err)
	w := s.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"email": "ops@example.com", "password": "password123"})
	adminToken := decode[struct {
		Token string `json:"token"`
	}](t, w).Token

	bed := testutil.SeedProduct(t, s.db, "Last bed", "1500", 1, true)
	var intents []string
	var orderIDs []int64
	for _, token := range []string{first, second} {
		w := s.do(t, http.MethodPost, "/api/orders", token, gin.H{
			"items":            []gin.H{{"type": "product", "id": bed, "quantity": 1}},
			"shipping_address": address,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		checkout := decode[models.CheckoutResult](t, w)
		intent := s.intentFor(t, checkout.OrderID)
		require.NoError(t, s.gw.Settle(intent, "pm_card"))
		intents = append(intents, intent)
		orderIDs = append(orderIDs, checkout.OrderID)
	}

	outcomes := []string{orders.OutcomeConfirmed, orders.OutcomeOversold}
	for i, intent := range intents {
		payload, sig, err := s.gw.SignedEvent("payment_intent.succeeded", intent)
		require.NoError(t, err)
		w := s.do(t, http.MethodPost, "/api/payments/webhook", "", payload, SignatureHeader, sig)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, outcomes[i], decode[gin.H](t, w)["outcome"])
	}

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/admin/refunds", first, nil).Code)
	w = s.do(t, http.MethodGet, "/api/admin/refunds", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	refunds := decode[struct {
		Orders []models.Order `json:"orders"`
	}](t, w).Orders
	require.Len(t, refunds, 1)
	assert.Equal(t, orderIDs[1], refunds[0].ID)
	assert.Equal(t, models.OrderPaymentRefundDue, refunds[0].PaymentStatus)
	require.NotNil(t, refunds[0].Payment)
	assert.Equal(t, intents[1], refunds[0].Payment.PaymentIntentID)
	assert.Equal(t, models.PaymentStatusCompleted, refunds[0].Payment.Status)
	assert.NotEmpty(t, refunds[0].Payment.TransactionID)
}

func TestWebhookMalformedBodyIsAcknowledged(t *testing.T) {
	s := newServer(t)
	body := []byte(`{"id": "evt_1", "type": `)
	w := s.do(t, http.MethodPost, "/api/payments/webhook", "", body, SignatureHeader, s.gw.SignatureHeader(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, orders.OutcomeMalformed, decode[gin.H](t, w)["outcome"])
}
