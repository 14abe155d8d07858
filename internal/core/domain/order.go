package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending       OrderStatus = "PENDING"
	OrderStatusStockDeducted OrderStatus = "STOCK_DEDUCTED"
	OrderStatusPaid          OrderStatus = "PAID"
	OrderStatusPaymentFailed OrderStatus = "PAYMENT_FAILED"
	OrderStatusCancelled     OrderStatus = "CANCELLED"
	OrderStatusShipped       OrderStatus = "SHIPPED"
	OrderStatusDelivered     OrderStatus = "DELIVERED"
	OrderStatusReturned      OrderStatus = "RETURNED"
)

// OrderStatuses lists every state of the order saga.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusStockDeducted,
	OrderStatusPaid,
	OrderStatusPaymentFailed,
	OrderStatusCancelled,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusReturned,
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:       {OrderStatusStockDeducted, OrderStatusCancelled},
	OrderStatusStockDeducted: {OrderStatusPaid, OrderStatusPaymentFailed},
	OrderStatusPaid:          {OrderStatusShipped, OrderStatusReturned, OrderStatusCancelled},
	OrderStatusShipped:       {OrderStatusDelivered},
	OrderStatusDelivered:     {OrderStatusReturned},
	// a failed payment may be retried once stock is deducted again
	OrderStatusPaymentFailed: {OrderStatusPaid},
}

// CanTransitionTo reports whether the saga allows moving from s to next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

type Order struct {
	OrderID          string
	UserID           string
	SkuID            int64
	Quantity         int
	Amount           decimal.Decimal
	Status           OrderStatus
	PaymentAttempts  int
	ReturnedQuantity int
	TraceID          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewOrderID returns ORDER_<unix millis>_<8 hex chars>.
func NewOrderID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("ORDER_%d_%s", now.UnixMilli(), suffix)
}

// CompensationReason identifies why the saga restores stock.
type CompensationReason string

const (
	ReasonPaymentFailed   CompensationReason = "PAYMENT_FAILED"
	ReasonOrderCancelled  CompensationReason = "ORDER_CANCELLED"
	ReasonOrderReturned   CompensationReason = "ORDER_RETURNED"
	ReasonSystemException CompensationReason = "SYSTEM_EXCEPTION"
)
