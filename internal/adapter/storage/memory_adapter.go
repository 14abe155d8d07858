package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/port"
)

var (
	_ port.Store            = (*MemoryAdapter)(nil)
	_ port.StockProvisioner = (*MemoryAdapter)(nil)
)

type operationKey struct {
	businessID string
	opType     domain.OperationType
}

type memoryState struct {
	stock      map[int64]domain.Stock
	operations map[operationKey]domain.StockOperation
	logs       []domain.StockOperationLog
	outbox     map[string]domain.OutboxMessage
	orders     map[string]domain.Order
}

func (s *memoryState) clone() *memoryState {
	return &memoryState{
		stock:      maps.Clone(s.stock),
		operations: maps.Clone(s.operations),
		logs:       slices.Clip(s.logs),
		outbox:     maps.Clone(s.outbox),
		orders:     maps.Clone(s.orders),
	}
}

// MemoryAdapter is an in-process Store. Transactions work on a copy of the
// state which replaces the live state on commit; they are serialized.
type MemoryAdapter struct {
	mu    sync.Mutex
	state *memoryState
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{state: &memoryState{
		stock:      make(map[int64]domain.Stock),
		operations: make(map[operationKey]domain.StockOperation),
		outbox:     make(map[string]domain.OutboxMessage),
		orders:     make(map[string]domain.Order),
	}}
}

func (m *MemoryAdapter) Repositories() port.Repositories {
	return memoryRepositories(&memoryRepo{adapter: m})
}

func (m *MemoryAdapter) RunInTx(ctx context.Context, fn func(repos port.Repositories) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	work := m.state.clone()
	if err := fn(memoryRepositories(&memoryRepo{tx: work})); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryAdapter) SeedStock(_ context.Context, stock domain.Stock) error {
	if !stock.Valid() {
		return fmt.Errorf("seed stock %d: %w", stock.SkuID, domain.ErrDataIntegrity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.state.stock[stock.SkuID]; ok {
		stock.Version = existing.Version + 1
		stock.CreatedAt = existing.CreatedAt
	} else {
		stock.Version = 0
		stock.CreatedAt = now
	}
	stock.UpdatedAt = now
	m.state.stock[stock.SkuID] = stock
	return nil
}

// AuditLog returns a copy of the audit rows written so far.
func (m *MemoryAdapter) AuditLog() []domain.StockOperationLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.logs)
}

func memoryRepositories(r *memoryRepo) port.Repositories {
	return port.Repositories{
		Stock:      r,
		Operations: r,
		Audit:      r,
		Outbox:     r,
		Orders:     r,
	}
}

// memoryRepo reads and writes tx when bound to a transaction, otherwise the
// adapter's live state under its mutex.
type memoryRepo struct {
	adapter *MemoryAdapter
	tx      *memoryState
}

func (r *memoryRepo) do(fn func(st *memoryState) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	r.adapter.mu.Lock()
	defer r.adapter.mu.Unlock()
	return fn(r.adapter.state)
}

func (r *memoryRepo) GetStock(_ context.Context, skuID int64) (*domain.Stock, error) {
	var out *domain.Stock
	err := r.do(func(st *memoryState) error {
		s, ok := st.stock[skuID]
		if !ok {
			return domain.ErrStockNotFound
		}
		out = &s
		return nil
	})
	return out, err
}

func (r *memoryRepo) ApplyDelta(_ context.Context, skuID int64, delta int, expectedVersion int64) error {
	return r.do(func(st *memoryState) error {
		s, ok := st.stock[skuID]
		if !ok || s.Version != expectedVersion {
			return domain.ErrOptimisticConflict
		}
		s.AvailableStock += delta
		if !s.Valid() {
			return fmt.Errorf("update stock: %w: sku %d available %d locked %d total %d",
				domain.ErrDataIntegrity, skuID, s.AvailableStock, s.LockedStock, s.TotalStock)
		}
		s.Version++
		s.UpdatedAt = time.Now()
		st.stock[skuID] = s
		return nil
	})
}

func (r *memoryRepo) RecordOperation(_ context.Context, op domain.StockOperation) (bool, error) {
	inserted := false
	err := r.do(func(st *memoryState) error {
		key := operationKey{op.BusinessID, op.Type}
		if _, ok := st.operations[key]; ok {
			return nil
		}
		st.operations[key] = op
		inserted = true
		return nil
	})
	return inserted, err
}

func (r *memoryRepo) GetOperation(_ context.Context, businessID string, opType domain.OperationType) (*domain.StockOperation, error) {
	var out *domain.StockOperation
	err := r.do(func(st *memoryState) error {
		if op, ok := st.operations[operationKey{businessID, opType}]; ok {
			out = &op
		}
		return nil
	})
	return out, err
}

func (r *memoryRepo) AppendLog(_ context.Context, entry domain.StockOperationLog) error {
	return r.do(func(st *memoryState) error {
		entry.ID = int64(len(st.logs) + 1)
		st.logs = append(st.logs, entry)
		return nil
	})
}

func (r *memoryRepo) InsertMessage(_ context.Context, msg domain.OutboxMessage) error {
	return r.do(func(st *memoryState) error {
		if _, ok := st.outbox[msg.MessageID]; ok {
			return fmt.Errorf("insert outbox message: duplicate message id %s", msg.MessageID)
		}
		st.outbox[msg.MessageID] = msg
		return nil
	})
}

func (r *memoryRepo) GetMessage(_ context.Context, messageID string) (*domain.OutboxMessage, error) {
	var out *domain.OutboxMessage
	err := r.do(func(st *memoryState) error {
		m, ok := st.outbox[messageID]
		if !ok {
			return domain.ErrMessageNotFound
		}
		out = &m
		return nil
	})
	return out, err
}

func (r *memoryRepo) MarkSent(_ context.Context, messageID string, nextRetry time.Time) error {
	return r.do(func(st *memoryState) error {
		m, ok := st.outbox[messageID]
		if !ok {
			return domain.ErrMessageNotFound
		}
		if m.Status.Terminal() {
			return nil
		}
		m.Status = domain.MessageStatusSent
		m.DeliveryCount++
		m.NextRetryTime = nextRetry
		m.UpdatedAt = time.Now()
		st.outbox[messageID] = m
		return nil
	})
}

func (r *memoryRepo) MarkConfirmed(_ context.Context, messageID string) error {
	return r.do(func(st *memoryState) error {
		m, ok := st.outbox[messageID]
		if !ok {
			return domain.ErrMessageNotFound
		}
		if m.Status.Terminal() {
			return nil
		}
		m.Status = domain.MessageStatusConfirmed
		m.UpdatedAt = time.Now()
		st.outbox[messageID] = m
		return nil
	})
}

func (r *memoryRepo) MarkDeliveryFailed(_ context.Context, messageID, errMsg string, now time.Time, initialDelay time.Duration) (*domain.OutboxMessage, error) {
	var out *domain.OutboxMessage
	err := r.do(func(st *memoryState) error {
		m, ok := st.outbox[messageID]
		if !ok {
			return domain.ErrMessageNotFound
		}
		next := m.DeliveryFailed(errMsg, now, initialDelay)
		st.outbox[messageID] = next
		out = &next
		return nil
	})
	return out, err
}

func (r *memoryRepo) MarkExhausted(_ context.Context, messageID, errMsg string) error {
	return r.do(func(st *memoryState) error {
		m, ok := st.outbox[messageID]
		if !ok || m.Status != domain.MessageStatusSent {
			return nil
		}
		m.Status = domain.MessageStatusFailed
		m.ErrorMessage = errMsg
		m.UpdatedAt = time.Now()
		st.outbox[messageID] = m
		return nil
	})
}

func (r *memoryRepo) FindDue(_ context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	return r.findMessages(limit, func(m domain.OutboxMessage) bool {
		return (m.Status == domain.MessageStatusPending || m.Status == domain.MessageStatusSent) &&
			!m.NextRetryTime.After(now) &&
			m.DeliveryCount < m.MaxRetries
	})
}

func (r *memoryRepo) FindExhausted(_ context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	return r.findMessages(limit, func(m domain.OutboxMessage) bool {
		return m.Status == domain.MessageStatusSent &&
			!m.NextRetryTime.After(now) &&
			m.DeliveryCount >= m.MaxRetries
	})
}

func (r *memoryRepo) findMessages(limit int, match func(domain.OutboxMessage) bool) ([]domain.OutboxMessage, error) {
	var out []domain.OutboxMessage
	err := r.do(func(st *memoryState) error {
		for _, m := range st.outbox {
			if match(m) {
				out = append(out, m)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRetryTime.Equal(out[j].NextRetryTime) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].NextRetryTime.Before(out[j].NextRetryTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r *memoryRepo) ExistsByBusinessKey(_ context.Context, businessKey string) (bool, error) {
	found := false
	err := r.do(func(st *memoryState) error {
		for _, m := range st.outbox {
			if m.BusinessKey == businessKey {
				found = true
				break
			}
		}
		return nil
	})
	return found, err
}

func (r *memoryRepo) CreateOrder(_ context.Context, order domain.Order) error {
	return r.do(func(st *memoryState) error {
		if _, ok := st.orders[order.OrderID]; ok {
			return domain.ErrOrderExists
		}
		st.orders[order.OrderID] = order
		return nil
	})
}

func (r *memoryRepo) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	var out *domain.Order
	err := r.do(func(st *memoryState) error {
		o, ok := st.orders[orderID]
		if !ok {
			return domain.ErrOrderNotFound
		}
		out = &o
		return nil
	})
	return out, err
}

func (r *memoryRepo) UpdateOrder(_ context.Context, order domain.Order, from domain.OrderStatus) error {
	return r.do(func(st *memoryState) error {
		current, ok := st.orders[order.OrderID]
		if !ok {
			return domain.ErrOrderNotFound
		}
		if current.Status != from {
			return fmt.Errorf("order %s is no longer %s: %w", order.OrderID, from, domain.ErrInvalidTransition)
		}
		current.Status = order.Status
		current.PaymentAttempts = order.PaymentAttempts
		current.ReturnedQuantity = order.ReturnedQuantity
		current.UpdatedAt = order.UpdatedAt
		st.orders[order.OrderID] = current
		return nil
	})
}
