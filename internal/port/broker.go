package port

import (
	"context"

	"github.com/rl1809/stock-saga/internal/core/domain"
)

// Dispatcher delivers an envelope to the broker and returns once the broker
// acknowledged it.
type Dispatcher interface {
	Dispatch(ctx context.Context, queue string, env domain.Envelope) error
}

type EnvelopeHandler func(ctx context.Context, env domain.Envelope) error

// Subscriber delivers envelopes of queue to handler until ctx is done. An
// error from handler leaves the outbox message unconfirmed, so it is sent
// again by the retry scheduler.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, handler EnvelopeHandler) error
}
