package domain

import "errors"

var (
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrLockContended      = errors.New("lock contended")
	ErrOptimisticConflict = errors.New("optimistic lock conflict")
	ErrDataIntegrity      = errors.New("data integrity violation")
	ErrStockNotFound      = errors.New("stock not found")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrMissingBusinessID  = errors.New("missing business id")

	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderExists       = errors.New("order already exists")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrPaymentFailed     = errors.New("payment failed")

	ErrMessageNotFound    = errors.New("outbox message not found")
	ErrDispatchFailed     = errors.New("dispatch failed")
	ErrMaxRetriesExceeded = errors.New("max delivery retries exceeded")
	ErrBrokerDisabled     = errors.New("broker disabled")
)
