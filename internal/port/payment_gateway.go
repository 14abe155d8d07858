package port

import (
	"context"

	"github.com/shopspring/decimal"
)

// PaymentGateway charges an order. Calls are idempotent per orderID.
type PaymentGateway interface {
	ProcessPayment(ctx context.Context, orderID string, amount decimal.Decimal) (bool, error)
}
