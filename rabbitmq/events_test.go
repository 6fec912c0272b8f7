package rabbitmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petshop-service/config"
	"petshop-service/models"
)

func TestDecodeEvent(t *testing.T) {
	evt, err := DecodeEvent([]byte(`{"order_id":42,"user_id":3,"type":"payment_check","status":"pending","total":"1198","occurred":"2026-01-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), evt.OrderID)
	assert.Equal(t, models.EventPaymentCheck, evt.Type)
	assert.Equal(t, "1198", evt.Total.String())

	bad := map[string]string{
		"legacy text body": "42|payment_check",
		"missing order":    `{"type":"created"}`,
		"missing type":     `{"order_id":1}`,
		"empty":            ``,
	}
	for name, body := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(body))
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestTopologyFromConfig(t *testing.T) {
	cfg := config.Defaults()
	topo := TopologyFromConfig(cfg)
	assert.Equal(t, "dead_letter_queue_exchange", topo.DeadLetterExchange)
	args := topo.orderQueueArgs()
	assert.Equal(t, topo.DeadLetterExchange, args["x-dead-letter-exchange"])
	assert.Equal(t, "dead_letter_queue", args["x-dead-letter-routing-key"])
	assert.Equal(t, 10, args["x-max-priority"])
}

func TestEventMessage(t *testing.T) {
	msg, err := eventMessage(models.OrderEvent{OrderID: 9, Type: models.EventOrderCreated})
	require.NoError(t, err)
	assert.Equal(t, ContentType, msg.ContentType)
	assert.Equal(t, models.EventOrderCreated, msg.Type)
	evt, err := DecodeEvent(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, int64(9), evt.OrderID)
}
