package types

import "errors"

// Domain errors. Validation errors are never retried.
var (
	// Checkout validation errors
	ErrEmptyBasket       = errors.New("basket is empty, nothing to checkout")
	ErrOrderNotFound     = errors.New("order not found")
	ErrIllegalTransition = errors.New("illegal order status transition")
	ErrOrderNotPaid      = errors.New("order is not paid")

	// Basket validation errors
	ErrItemNotFound    = errors.New("basket item not found")
	ErrInvalidItem     = errors.New("invalid basket item")
	ErrInvalidDiscount = errors.New("invalid discount code")
)
