package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/port"
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/stocksaga?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := ApplySchema(context.Background(), db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// testSku returns a SKU id unlikely to collide with earlier runs.
func testSku() int64 {
	return 9_000_000 + time.Now().UnixNano()%1_000_000
}

func TestMySQL_ApplyDeltaVersionGuard(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	sku := testSku()
	defer db.ExecContext(ctx, `DELETE FROM stock WHERE sku_id = ?`, sku)

	require.NoError(t, adapter.SeedStock(ctx, domain.Stock{SkuID: sku, TotalStock: 100, AvailableStock: 100}))
	repos := adapter.Repositories()

	stock, err := repos.Stock.GetStock(ctx, sku)
	require.NoError(t, err)
	require.NoError(t, repos.Stock.ApplyDelta(ctx, sku, -10, stock.Version))

	err = repos.Stock.ApplyDelta(ctx, sku, -10, stock.Version)
	assert.ErrorIs(t, err, domain.ErrOptimisticConflict)

	after, err := repos.Stock.GetStock(ctx, sku)
	require.NoError(t, err)
	assert.Equal(t, 90, after.AvailableStock)
	assert.Equal(t, stock.Version+1, after.Version)
}

func TestMySQL_CheckConstraintIsDataIntegrity(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	sku := testSku()
	defer db.ExecContext(ctx, `DELETE FROM stock WHERE sku_id = ?`, sku)

	require.NoError(t, adapter.SeedStock(ctx, domain.Stock{SkuID: sku, TotalStock: 10, AvailableStock: 10}))
	stock, err := adapter.Repositories().Stock.GetStock(ctx, sku)
	require.NoError(t, err)

	err = adapter.Repositories().Stock.ApplyDelta(ctx, sku, 1, stock.Version)
	assert.ErrorIs(t, err, domain.ErrDataIntegrity)
}

func TestMySQL_RunInTxRollsBack(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	sku := testSku()
	businessID := fmt.Sprintf("rollback-%d", sku)
	defer db.ExecContext(ctx, `DELETE FROM stock WHERE sku_id = ?`, sku)

	require.NoError(t, adapter.SeedStock(ctx, domain.Stock{SkuID: sku, TotalStock: 10, AvailableStock: 10}))

	err := adapter.RunInTx(ctx, func(repos port.Repositories) error {
		ok, err := repos.Operations.RecordOperation(ctx, domain.StockOperation{
			BusinessID: businessID, Type: domain.OperationDeduct, SkuID: sku, Quantity: 1, CreatedAt: time.Now(),
		})
		require.NoError(t, err)
		require.True(t, ok)
		return domain.ErrOptimisticConflict
	})
	assert.ErrorIs(t, err, domain.ErrOptimisticConflict)

	op, err := adapter.Repositories().Operations.GetOperation(ctx, businessID, domain.OperationDeduct)
	require.NoError(t, err)
	assert.Nil(t, op)
}

func TestMySQL_RecordOperationConcurrent(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	businessID := fmt.Sprintf("concurrent-%d", testSku())
	defer db.ExecContext(ctx, `DELETE FROM stock_operation WHERE business_id = ?`, businessID)

	var inserted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.Repositories().Operations.RecordOperation(ctx, domain.StockOperation{
				BusinessID: businessID, Type: domain.OperationDeduct, SkuID: 1, Quantity: 1, CreatedAt: time.Now(),
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				inserted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inserted.Load())
}

func TestMySQL_OutboxRetryCycle(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	outbox := NewMySQLAdapter(db).Repositories().Outbox
	now := time.Now().Truncate(time.Millisecond)

	msg, err := domain.NewOutboxMessage(domain.Event{
		Type:        domain.MessageStockDeducted,
		TargetQueue: domain.QueueStockDeducted,
		BusinessKey: "mysql-test/" + now.String(),
		Payload:     domain.StockDeductedEvent{SkuID: 1, Quantity: 1},
	}, 2, now)
	require.NoError(t, err)
	require.NoError(t, outbox.InsertMessage(ctx, msg))
	defer db.ExecContext(ctx, `DELETE FROM outbox_message WHERE message_id = ?`, msg.MessageID)

	exists, err := outbox.ExistsByBusinessKey(ctx, msg.BusinessKey)
	require.NoError(t, err)
	assert.True(t, exists)

	next, err := outbox.MarkDeliveryFailed(ctx, msg.MessageID, "broker down", now, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusPending, next.Status)
	assert.Equal(t, 1, next.DeliveryCount)

	next, err = outbox.MarkDeliveryFailed(ctx, msg.MessageID, "broker down", now, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusFailed, next.Status)

	got, err := outbox.GetMessage(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusFailed, got.Status)
	assert.Equal(t, "broker down", got.ErrorMessage)
	assert.JSONEq(t, string(msg.Payload), string(got.Payload))

	require.NoError(t, outbox.MarkConfirmed(ctx, msg.MessageID))
	got, err = outbox.GetMessage(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusFailed, got.Status)

	assert.ErrorIs(t, outbox.MarkConfirmed(ctx, "missing-"+msg.MessageID), domain.ErrMessageNotFound)
}

func TestMySQL_OrderRoundTrip(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	orders := NewMySQLAdapter(db).Repositories().Orders
	now := time.Now().Truncate(time.Millisecond)

	order := domain.Order{
		OrderID:   domain.NewOrderID(now),
		UserID:    "test-user",
		SkuID:     1001,
		Quantity:  2,
		Amount:    decimal.RequireFromString("19.90"),
		Status:    domain.OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, orders.CreateOrder(ctx, order))
	defer db.ExecContext(ctx, `DELETE FROM orders WHERE order_id = ?`, order.OrderID)

	assert.ErrorIs(t, orders.CreateOrder(ctx, order), domain.ErrOrderExists)

	order.Status = domain.OrderStatusStockDeducted
	require.NoError(t, orders.UpdateOrder(ctx, order, domain.OrderStatusPending))
	assert.ErrorIs(t, orders.UpdateOrder(ctx, order, domain.OrderStatusPending), domain.ErrInvalidTransition)

	got, err := orders.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusStockDeducted, got.Status)
	assert.True(t, order.Amount.Equal(got.Amount))
}
