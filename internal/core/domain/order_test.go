package domain

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatus_TransitionTable(t *testing.T) {
	allowed := map[OrderStatus][]OrderStatus{
		OrderStatusPending:       {OrderStatusStockDeducted, OrderStatusCancelled},
		OrderStatusStockDeducted: {OrderStatusPaid, OrderStatusPaymentFailed},
		OrderStatusPaid:          {OrderStatusShipped, OrderStatusReturned, OrderStatusCancelled},
		OrderStatusShipped:       {OrderStatusDelivered},
		OrderStatusDelivered:     {OrderStatusReturned},
		OrderStatusPaymentFailed: {OrderStatusPaid},
	}

	for _, from := range OrderStatuses {
		for _, to := range OrderStatuses {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equalf(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestOrderStatus_Terminal(t *testing.T) {
	assert.True(t, OrderStatusCancelled.Terminal())
	assert.True(t, OrderStatusReturned.Terminal())
	assert.False(t, OrderStatusPaymentFailed.Terminal())
	assert.False(t, OrderStatusPending.Terminal())
}

func TestNewOrderID(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	id := NewOrderID(now)

	assert.Regexp(t, regexp.MustCompile(`^ORDER_1700000000123_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, NewOrderID(now))
}

func TestStock_Valid(t *testing.T) {
	assert.True(t, Stock{TotalStock: 10, AvailableStock: 7, LockedStock: 3}.Valid())
	assert.False(t, Stock{TotalStock: 10, AvailableStock: -1}.Valid())
	assert.False(t, Stock{TotalStock: 10, AvailableStock: 8, LockedStock: 3}.Valid())
}
