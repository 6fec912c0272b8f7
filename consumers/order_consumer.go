package consumers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"petshop-service/models"
	"petshop-service/orders"
	"petshop-service/payment"
	"petshop-service/rabbitmq"
)

// Reconciler drives a pending order to the state the gateway reports.
type Reconciler interface {
	ReconcileOrder(ctx context.Context, orderID int64) error
}

type OrderConsumer struct {
	reconciler Reconciler
	timeout    time.Duration
}

func NewOrderConsumer(r Reconciler, timeout time.Duration) *OrderConsumer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OrderConsumer{reconciler: r, timeout: timeout}
}

// Start consumes the order queue and its dead-letter queue until ctx is done
// or the channel closes.
func (oc *OrderConsumer) Start(ctx context.Context, ch *amqp.Channel, topo rabbitmq.Topology) error {
	msgs, err := ch.ConsumeWithContext(ctx,
		topo.OrderQueue,
		"petshop-orders", // consumer tag
		false,            // auto-ack
		false,            // exclusive
		false,            // no-local
		false,            // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", topo.OrderQueue, err)
	}

	dlqMsgs, err := ch.ConsumeWithContext(ctx,
		topo.DeadLetterQueue,
		"petshop-orders-dlq", // consumer tag
		false,                // auto-ack
		false,                // exclusive
		false,                // no-local
		false,                // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", topo.DeadLetterQueue, err)
	}

	for msgs != nil || dlqMsgs != nil {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			oc.HandleDelivery(ctx, msg)
		case msg, ok := <-dlqMsgs:
			if !ok {
				dlqMsgs = nil
				continue
			}
			processDeadLetterMessage(msg)
		}
	}
	return nil
}

// HandleDelivery processes one order event and settles the delivery.
// Malformed messages and repeated failures are dead-lettered; a transient
// failure on first delivery is requeued once.
func (oc *OrderConsumer) HandleDelivery(ctx context.Context, msg amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in message processing: %v", r)
			nack(msg, false)
		}
	}()

	evt, err := rabbitmq.DecodeEvent(msg.Body)
	if err != nil {
		log.Printf("Invalid message: %v", err)
		nack(msg, false)
		return
	}
	log.Printf("Processing order event: ID=%d, Type=%s", evt.OrderID, evt.Type)

	switch evt.Type {
	case models.EventPaymentCheck:
		err = oc.handlePaymentCheck(ctx, evt)
	case models.EventOrderCreated, models.EventOrderConfirmed, models.EventOrderCancelled:
		log.Printf("Order %d is now %s", evt.OrderID, evt.Status)
	case models.EventOrderOversold:
		log.Printf("Order %d was paid but could not be fulfilled; refund required", evt.OrderID)
	default:
		log.Printf("Unknown event type: %s", evt.Type)
	}

	if err != nil {
		requeue := isTransient(err) && !msg.Redelivered
		log.Printf("Order event %s for order %d failed (requeue=%t): %v", evt.Type, evt.OrderID, requeue, err)
		nack(msg, requeue)
		return
	}
	if err := msg.Ack(false); err != nil {
		log.Printf("Failed to ack message: %v", err)
	}
}

func (oc *OrderConsumer) handlePaymentCheck(ctx context.Context, evt models.OrderEvent) error {
	ctx, cancel := context.WithTimeout(ctx, oc.timeout)
	defer cancel()
	return oc.reconciler.ReconcileOrder(ctx, evt.OrderID)
}

func processDeadLetterMessage(msg amqp.Delivery) {
	log.Printf("Received dead letter: %s", msg.Body)
	if err := msg.Ack(false); err != nil {
		log.Printf("Failed to ack dead letter: %v", err)
	}
}

func isTransient(err error) bool {
	return errors.Is(err, payment.ErrGatewayUnavailable) || errors.Is(err, orders.ErrTransientStore)
}

func nack(msg amqp.Delivery, requeue bool) {
	if err := msg.Nack(false, requeue); err != nil {
		log.Printf("Failed to nack message: %v", err)
	}
}
