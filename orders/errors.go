package orders

import (
	"errors"
	"fmt"

	"petshop-service/models"
)

var (
	ErrItemUnavailable     = errors.New("item unavailable")
	ErrEmptyOrder          = errors.New("order has no billable items")
	ErrAlreadyProcessed    = errors.New("order already processed")
	ErrPaymentNotCompleted = errors.New("payment not completed")
	ErrOrderNotFound       = errors.New("order not found")
	ErrTransientStore      = errors.New("order store unavailable")
)

// ValidationError reports malformed input for a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ItemError names the cart item that could not be sold. It matches
// ErrItemUnavailable under errors.Is.
type ItemError struct {
	Kind   models.ItemKind
	ID     int64
	Reason string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s %d unavailable: %s", e.Kind, e.ID, e.Reason)
}

func (e *ItemError) Unwrap() error { return ErrItemUnavailable }

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
}
