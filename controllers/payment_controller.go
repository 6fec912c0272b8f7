package controllers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"petshop-service/middlewares"
	"petshop-service/orders"
)

const (
	SignatureHeader = "Stripe-Signature"
	maxWebhookBody  = 64 << 10
)

type PaymentController struct {
	orders *orders.Service
}

func NewPaymentController(svc *orders.Service) *PaymentController {
	return &PaymentController{orders: svc}
}

// HandleWebhook verifies the raw body against the signature header before
// anything is parsed. Business outcomes answer 200; only failures the gateway
// should retry answer 5xx.
func (pc *PaymentController) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body", "code": "validation_error"})
		return
	}
	if len(payload) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large", "code": "validation_error"})
		return
	}

	result, err := pc.orders.HandleGatewayWebhook(c.Request.Context(), payload, c.GetHeader(SignatureHeader))
	if err != nil {
		middlewares.RecordPaymentEvent("webhook", "rejected")
		writeError(c, err)
		return
	}
	middlewares.RecordPaymentEvent("webhook", result.Outcome)
	c.JSON(http.StatusOK, gin.H{"received": true, "event_id": result.EventID, "outcome": result.Outcome})
}
