package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/port"
)

const memoryQueueSize = 1024

var (
	_ port.Dispatcher = (*Memory)(nil)
	_ port.Subscriber = (*Memory)(nil)
	_ port.Dispatcher = Disabled{}
)

// Memory is an in-process broker for single-instance runs. A full queue
// fails the dispatch instead of blocking.
type Memory struct {
	mu     sync.Mutex
	queues map[string]chan domain.Envelope
}

func NewMemory() *Memory {
	return &Memory{queues: make(map[string]chan domain.Envelope)}
}

func (m *Memory) queue(name string) chan domain.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[name]
	if !ok {
		q = make(chan domain.Envelope, memoryQueueSize)
		m.queues[name] = q
	}
	return q
}

func (m *Memory) Dispatch(ctx context.Context, queue string, env domain.Envelope) error {
	select {
	case m.queue(queue) <- env:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrDispatchFailed, ctx.Err())
	default:
		return fmt.Errorf("%w: queue %s is full", domain.ErrDispatchFailed, queue)
	}
}

// Subscribe hands envelopes to handler until ctx is done. Handler errors are
// dropped; the outbox redelivers unconfirmed messages.
func (m *Memory) Subscribe(ctx context.Context, queue string, handler port.EnvelopeHandler) error {
	q := m.queue(queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-q:
			_ = handler(ctx, env)
		}
	}
}

// Disabled is the dispatcher used when no broker is configured. Messages stay
// PENDING in the outbox.
type Disabled struct{}

func (Disabled) Dispatch(context.Context, string, domain.Envelope) error {
	return domain.ErrBrokerDisabled
}
