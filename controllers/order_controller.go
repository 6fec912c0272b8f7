package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"petshop-service/middlewares"
	"petshop-service/models"
	"petshop-service/orders"
)

type OrderController struct {
	orders *orders.Service
}

func NewOrderController(svc *orders.Service) *OrderController {
	return &OrderController{orders: svc}
}

func (oc *OrderController) CreateOrder(c *gin.Context) {
	defer recordOperation(c, "create")

	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	result, err := oc.orders.CreateOrderAndIntent(c.Request.Context(), userID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (oc *OrderController) GetUserOrders(c *gin.Context) {
	defer recordOperation(c, "list")

	userID, ok := currentUser(c)
	if !ok {
		return
	}

	list, err := oc.orders.ListOrders(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

func (oc *OrderController) GetOrderDetails(c *gin.Context) {
	defer recordOperation(c, "get")

	userID, ok := currentUser(c)
	if !ok {
		return
	}
	orderID, ok := idParam(c)
	if !ok {
		return
	}

	order, err := oc.orders.GetOrder(c.Request.Context(), userID, orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (oc *OrderController) ConfirmPayment(c *gin.Context) {
	defer recordOperation(c, "confirm")

	userID, ok := currentUser(c)
	if !ok {
		return
	}
	orderID, ok := idParam(c)
	if !ok {
		return
	}

	var req models.ConfirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	if err := oc.orders.ConfirmPayment(c.Request.Context(), userID, orderID, req.PaymentIntentID); err != nil {
		middlewares.RecordPaymentEvent("confirm", "rejected")
		writeError(c, err)
		return
	}
	middlewares.RecordPaymentEvent("confirm", orders.OutcomeConfirmed)

	order, err := oc.orders.GetOrder(c.Request.Context(), userID, orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// ReconcileOrder lets an admin force the payment check that normally runs
// from the delayed queue.
func (oc *OrderController) ReconcileOrder(c *gin.Context) {
	defer recordOperation(c, "reconcile")

	orderID, ok := idParam(c)
	if !ok {
		return
	}
	if err := oc.orders.ReconcileOrder(c.Request.Context(), orderID); err != nil {
		middlewares.RecordPaymentEvent("reconcile", "error")
		writeError(c, err)
		return
	}
	middlewares.RecordPaymentEvent("reconcile", "ok")
	c.JSON(http.StatusOK, gin.H{"message": "Order reconciled", "order_id": orderID})
}

// ListRefundsDue lists orders that were paid after their items sold out.
func (oc *OrderController) ListRefundsDue(c *gin.Context) {
	defer recordOperation(c, "list_refunds")

	list, err := oc.orders.ListRefundsDue(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

func recordOperation(c *gin.Context, op string) {
	status := c.Writer.Status() >= 200 && c.Writer.Status() < 300
	middlewares.RecordOrderOperation(op, status)
}

func currentUser(c *gin.Context) (int64, bool) {
	userID := c.GetInt64(middlewares.ContextUserID)
	if userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated", "code": "unauthorized"})
		return 0, false
	}
	return userID, true
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id", "code": "validation_error", "field": "id"})
		return 0, false
	}
	return id, true
}
