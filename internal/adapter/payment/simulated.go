package payment

import (
	"context"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-saga/internal/port"
)

var _ port.PaymentGateway = (*Simulated)(nil)

// Simulated approves payments at random with the configured failure rate.
// Results are remembered per order so retries of one attempt agree.
type Simulated struct {
	failureRate float64
	roll        func() float64
	logger      zerolog.Logger

	mu      sync.Mutex
	charged map[string]bool
}

func NewSimulated(failureRate float64, logger zerolog.Logger) *Simulated {
	return &Simulated{
		failureRate: failureRate,
		roll:        rand.Float64,
		logger:      logger,
		charged:     make(map[string]bool),
	}
}

func (s *Simulated) ProcessPayment(ctx context.Context, orderID string, amount decimal.Decimal) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.charged[orderID] {
		return true, nil
	}

	ok := s.roll() >= s.failureRate
	if ok {
		s.charged[orderID] = true
	}
	s.logger.Info().Str("order_id", orderID).Str("amount", amount.StringFixed(2)).Bool("approved", ok).Msg("payment processed")
	return ok, nil
}
