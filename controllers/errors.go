package controllers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"petshop-service/catalog"
	"petshop-service/orders"
	"petshop-service/payment"
	"petshop-service/users"
)

// writeError maps domain errors to a status and a stable code. Store and
// driver errors are logged, never echoed.
func writeError(c *gin.Context, err error) {
	var (
		vErr    *orders.ValidationError
		itemErr *orders.ItemError
	)
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Message, "code": "validation_error", "field": vErr.Field})
	case errors.As(err, &itemErr):
		c.JSON(http.StatusConflict, gin.H{
			"error": itemErr.Error(),
			"code":  "item_unavailable",
			"item":  gin.H{"type": itemErr.Kind, "id": itemErr.ID},
		})
	case errors.Is(err, orders.ErrItemUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "item unavailable", "code": "item_unavailable"})
	case errors.Is(err, orders.ErrAlreadyProcessed):
		c.JSON(http.StatusConflict, gin.H{"error": "order already processed", "code": "already_processed"})
	case errors.Is(err, orders.ErrEmptyOrder):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "order has no billable items", "code": "empty_order"})
	case errors.Is(err, orders.ErrPaymentNotCompleted):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment not completed", "code": "payment_not_completed"})
	case errors.Is(err, orders.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found", "code": "not_found"})
	case errors.Is(err, catalog.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_error"})
	case errors.Is(err, catalog.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "item not found", "code": "not_found"})
	case errors.Is(err, payment.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature", "code": "invalid_signature"})
	case errors.Is(err, payment.ErrGatewayUnavailable), errors.Is(err, payment.ErrIntentNotFound):
		log.Printf("Gateway error on %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway unavailable", "code": "gateway_unavailable"})
	case errors.Is(err, users.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered", "code": "email_taken"})
	case errors.Is(err, users.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password", "code": "invalid_credentials"})
	case errors.Is(err, orders.ErrTransientStore):
		log.Printf("Store error on %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "please retry later", "code": "transient_store_error"})
	default:
		log.Printf("Unhandled error on %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error", "code": "internal_error"})
	}
}

func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_error"})
}
