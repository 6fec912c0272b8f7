package rabbitmq

import (
	"encoding/json"
	"errors"
	"fmt"

	"petshop-service/models"
)

const ContentType = "application/json"

var ErrMalformedEvent = errors.New("malformed order event")

func EncodeEvent(evt models.OrderEvent) ([]byte, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode order event: %w", err)
	}
	return body, nil
}

// DecodeEvent parses a message body and rejects events without an order or
// type.
func DecodeEvent(body []byte) (models.OrderEvent, error) {
	var evt models.OrderEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return evt, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.OrderID <= 0 || evt.Type == "" {
		return evt, fmt.Errorf("%w: order_id and type are required", ErrMalformedEvent)
	}
	return evt, nil
}
