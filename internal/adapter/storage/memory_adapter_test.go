package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/port"
)

func seededMemory(t *testing.T, skuID int64, available int) *MemoryAdapter {
	m := NewMemoryAdapter()
	require.NoError(t, m.SeedStock(context.Background(), domain.Stock{
		SkuID: skuID, TotalStock: available, AvailableStock: available,
	}))
	return m
}

func TestMemoryAdapter_ApplyDelta(t *testing.T) {
	m := seededMemory(t, 1001, 100)
	ctx := context.Background()
	repos := m.Repositories()

	stock, err := repos.Stock.GetStock(ctx, 1001)
	require.NoError(t, err)
	require.NoError(t, repos.Stock.ApplyDelta(ctx, 1001, -10, stock.Version))

	after, err := repos.Stock.GetStock(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, 90, after.AvailableStock)
	assert.Equal(t, stock.Version+1, after.Version)

	err = repos.Stock.ApplyDelta(ctx, 1001, -10, stock.Version)
	assert.ErrorIs(t, err, domain.ErrOptimisticConflict)

	err = repos.Stock.ApplyDelta(ctx, 1001, 11, after.Version)
	assert.ErrorIs(t, err, domain.ErrDataIntegrity)

	_, err = repos.Stock.GetStock(ctx, 9)
	assert.ErrorIs(t, err, domain.ErrStockNotFound)
}

func TestMemoryAdapter_RollbackOnError(t *testing.T) {
	m := seededMemory(t, 1001, 100)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.RunInTx(ctx, func(repos port.Repositories) error {
		s, err := repos.Stock.GetStock(ctx, 1001)
		require.NoError(t, err)
		require.NoError(t, repos.Stock.ApplyDelta(ctx, 1001, -5, s.Version))
		_, err = repos.Operations.RecordOperation(ctx, domain.StockOperation{BusinessID: "A", Type: domain.OperationDeduct})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	stock, err := m.Repositories().Stock.GetStock(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, 100, stock.AvailableStock)

	op, err := m.Repositories().Operations.GetOperation(ctx, "A", domain.OperationDeduct)
	require.NoError(t, err)
	assert.Nil(t, op)
}

func TestMemoryAdapter_RecordOperationUnique(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()
	ops := m.Repositories().Operations

	ok, err := ops.RecordOperation(ctx, domain.StockOperation{BusinessID: "A", Type: domain.OperationDeduct, StockAfter: 90})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ops.RecordOperation(ctx, domain.StockOperation{BusinessID: "A", Type: domain.OperationDeduct})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ops.RecordOperation(ctx, domain.StockOperation{BusinessID: "A", Type: domain.OperationCompensate})
	require.NoError(t, err)
	assert.True(t, ok)

	op, err := ops.GetOperation(ctx, "A", domain.OperationDeduct)
	require.NoError(t, err)
	assert.Equal(t, 90, op.StockAfter)
}

func TestMemoryAdapter_OutboxLifecycle(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()
	outbox := m.Repositories().Outbox
	now := time.Now()

	msg, err := domain.NewOutboxMessage(domain.Event{
		Type:        domain.MessageStockDeducted,
		TargetQueue: domain.QueueStockDeducted,
		BusinessKey: "A/DEDUCT",
		Payload:     map[string]int{"q": 1},
	}, 2, now)
	require.NoError(t, err)
	require.NoError(t, outbox.InsertMessage(ctx, msg))

	due, err := outbox.FindDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	exists, err := outbox.ExistsByBusinessKey(ctx, "A/DEDUCT")
	require.NoError(t, err)
	assert.True(t, exists)

	failed, err := outbox.MarkDeliveryFailed(ctx, msg.MessageID, "down", now, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusPending, failed.Status)
	assert.Equal(t, 1, failed.DeliveryCount)
	assert.Equal(t, now.Add(2*time.Second), failed.NextRetryTime)

	due, err = outbox.FindDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	failed, err = outbox.MarkDeliveryFailed(ctx, msg.MessageID, "down", now, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusFailed, failed.Status)
	assert.Equal(t, now.Add(2*time.Second), failed.NextRetryTime)

	// terminal rows ignore further transitions
	require.NoError(t, outbox.MarkConfirmed(ctx, msg.MessageID))
	require.NoError(t, outbox.MarkSent(ctx, msg.MessageID, now))
	got, err := outbox.GetMessage(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusFailed, got.Status)

	assert.ErrorIs(t, outbox.MarkConfirmed(ctx, "missing"), domain.ErrMessageNotFound)
}

func TestMemoryAdapter_FindExhausted(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()
	outbox := m.Repositories().Outbox
	now := time.Now()

	msg, err := domain.NewOutboxMessage(domain.Event{Type: domain.MessageOrderPaid, TargetQueue: domain.QueueOrderPaid}, 1, now)
	require.NoError(t, err)
	require.NoError(t, outbox.InsertMessage(ctx, msg))
	require.NoError(t, outbox.MarkSent(ctx, msg.MessageID, now.Add(time.Minute)))

	exhausted, err := outbox.FindExhausted(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, exhausted, "ack window still open")

	exhausted, err = outbox.FindExhausted(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)

	require.NoError(t, outbox.MarkExhausted(ctx, msg.MessageID, "never confirmed"))
	got, err := outbox.GetMessage(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusFailed, got.Status)
}

func TestMemoryAdapter_UpdateOrderIsConditional(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()
	orders := m.Repositories().Orders

	order := domain.Order{OrderID: "ORDER_1", Status: domain.OrderStatusPending}
	require.NoError(t, orders.CreateOrder(ctx, order))
	assert.ErrorIs(t, orders.CreateOrder(ctx, order), domain.ErrOrderExists)

	order.Status = domain.OrderStatusStockDeducted
	require.NoError(t, orders.UpdateOrder(ctx, order, domain.OrderStatusPending))

	order.Status = domain.OrderStatusCancelled
	err := orders.UpdateOrder(ctx, order, domain.OrderStatusPending)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = orders.GetOrder(ctx, "ORDER_2")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}
