package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-saga/internal/core/domain"
)

func TestMemory_DispatchSubscribe(t *testing.T) {
	b := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan domain.Envelope, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, domain.QueueOrderPaid, func(_ context.Context, env domain.Envelope) error {
			received <- env
			return nil
		})
	}()

	env := domain.Envelope{MessageID: "m-1", Type: domain.MessageOrderPaid, TraceID: "t-1"}
	require.NoError(t, b.Dispatch(ctx, domain.QueueOrderPaid, env))

	select {
	case got := <-received:
		assert.Equal(t, env, got)
	case <-ctx.Done():
		t.Fatal("timed out waiting for envelope")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestMemory_FullQueueFailsDispatch(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	for i := 0; i < memoryQueueSize; i++ {
		require.NoError(t, b.Dispatch(ctx, "q", domain.Envelope{}))
	}
	err := b.Dispatch(ctx, "q", domain.Envelope{})
	assert.ErrorIs(t, err, domain.ErrDispatchFailed)
}

func TestDisabled_Dispatch(t *testing.T) {
	err := Disabled{}.Dispatch(context.Background(), "q", domain.Envelope{})
	assert.ErrorIs(t, err, domain.ErrBrokerDisabled)
}
