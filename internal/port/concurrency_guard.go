package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-saga/internal/core/domain"
)

type ConcurrencyGuard interface {
	// IsApplied reports whether a successful application of op was recorded
	// for businessID.
	IsApplied(ctx context.Context, businessID string, op domain.OperationType) (bool, error)

	// MarkApplied records the application if absent, returns false if another
	// caller already recorded it
	MarkApplied(ctx context.Context, businessID string, op domain.OperationType, ttl time.Duration) (bool, error)

	// TryLock waits at most wait for resource and holds it for lease.
	// Returns domain.ErrLockContended when the wait runs out.
	TryLock(ctx context.Context, resource string, wait, lease time.Duration) (Lease, error)
}

// Lease is a held lock. Release is idempotent and never releases a lock
// that has since been taken by another owner.
type Lease interface {
	Resource() string
	Release(ctx context.Context) error
}
