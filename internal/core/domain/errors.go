package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyOrder             = errors.New("order must contain at least one item")
	ErrTooManyOrderLines      = errors.New("order has too many items")
	ErrInvalidOrderLine       = errors.New("invalid order line")
	ErrProductNotFound        = errors.New("product not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrOrderNotFound          = errors.New("order not found")
	ErrDuplicateRequest       = errors.New("duplicate request")
	ErrProductInUse           = errors.New("product is referenced by orders")
	ErrStoreFault             = errors.New("store fault")
)

type InvalidOrderLineError struct {
	Index  int
	Reason string
}

func (e *InvalidOrderLineError) Error() string {
	return fmt.Sprintf("order line %d: %s", e.Index, e.Reason)
}

func (e *InvalidOrderLineError) Is(target error) bool {
	return target == ErrInvalidOrderLine
}

type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product with ID %s not found", e.ProductID)
}

func (e *ProductNotFoundError) Is(target error) bool {
	return target == ErrProductNotFound
}

type InsufficientStockError struct {
	ProductID   string
	ProductName string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product '%s'. requested: %d, available: %d",
		e.ProductName, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// StoreError wraps a storage or transaction failure. It is never a
// validation error and its message is not meant for clients.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreFault
}

func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// IsValidation reports whether err is an expected, client-attributable
// rejection of an order.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyOrder) ||
		errors.Is(err, ErrTooManyOrderLines) ||
		errors.Is(err, ErrInvalidOrderLine) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrInsufficientStock)
}
