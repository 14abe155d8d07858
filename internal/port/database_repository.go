package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-saga/internal/core/domain"
)

type StockRepository interface {
	// GetStock returns domain.ErrStockNotFound for unknown SKUs
	GetStock(ctx context.Context, skuID int64) (*domain.Stock, error)

	// ApplyDelta adds delta to available stock guarded by expectedVersion.
	// Returns domain.ErrOptimisticConflict when no row matched and
	// domain.ErrDataIntegrity when a ledger constraint rejected the update.
	ApplyDelta(ctx context.Context, skuID int64, delta int, expectedVersion int64) error
}

// StockProvisioner creates or resets ledger rows outside the saga.
type StockProvisioner interface {
	SeedStock(ctx context.Context, stock domain.Stock) error
}

type OperationRepository interface {
	// RecordOperation inserts op, returns false if (BusinessID, Type) exists
	RecordOperation(ctx context.Context, op domain.StockOperation) (bool, error)

	// GetOperation returns nil, nil when absent
	GetOperation(ctx context.Context, businessID string, opType domain.OperationType) (*domain.StockOperation, error)
}

type AuditRepository interface {
	AppendLog(ctx context.Context, entry domain.StockOperationLog) error
}

type OutboxRepository interface {
	InsertMessage(ctx context.Context, msg domain.OutboxMessage) error
	GetMessage(ctx context.Context, messageID string) (*domain.OutboxMessage, error)

	// MarkSent moves PENDING/SENT to SENT, increments the delivery count and
	// schedules the acknowledgement check. Terminal rows are left unchanged.
	MarkSent(ctx context.Context, messageID string, nextRetry time.Time) error
	MarkConfirmed(ctx context.Context, messageID string) error

	// MarkDeliveryFailed increments the delivery count and records errMsg.
	// The row becomes FAILED when the count reaches max retries, otherwise
	// next_retry_time is moved to now + backoff(count).
	MarkDeliveryFailed(ctx context.Context, messageID, errMsg string, now time.Time, initialDelay time.Duration) (*domain.OutboxMessage, error)

	// MarkExhausted fails a SENT row that never got confirmed.
	MarkExhausted(ctx context.Context, messageID, errMsg string) error

	// FindDue returns PENDING/SENT rows due at now with retries left
	FindDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error)

	// FindExhausted returns SENT rows due at now without retries left
	FindExhausted(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error)

	ExistsByBusinessKey(ctx context.Context, businessKey string) (bool, error)
}

type OrderRepository interface {
	// CreateOrder returns domain.ErrOrderExists on a duplicate order id
	CreateOrder(ctx context.Context, order domain.Order) error

	// GetOrder returns domain.ErrOrderNotFound when absent
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// UpdateOrder persists order.Status and counters only if the stored
	// status still equals from. Returns domain.ErrInvalidTransition otherwise.
	UpdateOrder(ctx context.Context, order domain.Order, from domain.OrderStatus) error
}

// Repositories groups repositories bound to one transaction.
type Repositories struct {
	Stock      StockRepository
	Operations OperationRepository
	Audit      AuditRepository
	Outbox     OutboxRepository
	Orders     OrderRepository
}

// TxRunner runs fn in a transaction, committing when fn returns nil.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(repos Repositories) error) error
}

// Store is the relational store: non-transactional repositories plus a
// transaction runner.
type Store interface {
	TxRunner
	Repositories() Repositories
}
