package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-saga/internal/adapter/storage"
	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/port"
)

var errBrokerDown = errors.New("broker down")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockDispatcher records dispatched envelopes and fails while failing is set.
type mockDispatcher struct {
	mu      sync.Mutex
	failing bool
	sent    []domain.Envelope
	calls   int
}

func (m *mockDispatcher) Dispatch(_ context.Context, _ string, env domain.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.failing {
		return errBrokerDown
	}
	m.sent = append(m.sent, env)
	return nil
}

func (m *mockDispatcher) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

func (m *mockDispatcher) Sent() []domain.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Envelope(nil), m.sent...)
}

func (m *mockDispatcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockPayments answers from a script of results, then approves.
type mockPayments struct {
	mu      sync.Mutex
	results []bool
	calls   []string
}

func (m *mockPayments) ProcessPayment(_ context.Context, orderID string, _ decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, orderID)
	if len(m.results) == 0 {
		return true, nil
	}
	ok := m.results[0]
	m.results = m.results[1:]
	return ok, nil
}

type harness struct {
	store      *storage.MemoryAdapter
	guard      *storage.LocalGuard
	dispatcher *mockDispatcher
	payments   *mockPayments
	clock      *testClock

	outbox    *OutboxPublisher
	stock     *StockService
	saga      *OrderSaga
	scheduler *RetryScheduler
	consumer  *EventConsumer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:      storage.NewMemoryAdapter(),
		guard:      storage.NewLocalGuard(),
		dispatcher: &mockDispatcher{},
		payments:   &mockPayments{},
		clock:      &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	logger := zerolog.Nop()

	h.outbox = NewOutboxPublisher(h.store, h.dispatcher, OutboxConfig{
		MaxRetries:      5,
		InitialDelay:    time.Second,
		DispatchTimeout: time.Second,
	}, logger)
	h.outbox.now = h.clock.Now

	h.stock = NewStockService(h.store, h.guard, h.outbox, StockConfig{
		LockWait:        10 * time.Second,
		LockLease:       10 * time.Second,
		IdempotencyTTL:  time.Hour,
		ConflictRetries: 3,
	}, logger)
	h.stock.now = h.clock.Now

	h.saga = NewOrderSaga(h.store, h.stock, h.outbox, h.payments, h.guard, SagaConfig{
		LockWait:  time.Second,
		LockLease: 10 * time.Second,
	}, logger)
	h.saga.now = h.clock.Now

	h.scheduler = NewRetryScheduler(h.store, h.outbox, h.guard, SchedulerConfig{
		Interval:     time.Minute,
		InitialDelay: time.Minute,
		BatchSize:    100,
	}, logger)
	h.scheduler.now = h.clock.Now

	h.consumer = NewEventConsumer(h.stock, h.outbox, h.store, nil, logger)
	return h
}

func (h *harness) seed(t *testing.T, skuID int64, available int) {
	t.Helper()
	require.NoError(t, h.store.SeedStock(context.Background(), domain.Stock{
		SkuID: skuID, TotalStock: available, AvailableStock: available,
	}))
}

func (h *harness) available(t *testing.T, skuID int64) int {
	t.Helper()
	s, err := h.stock.GetStock(context.Background(), skuID)
	require.NoError(t, err)
	return s.AvailableStock
}

// messages returns every outbox row of type typ, due or not.
func (h *harness) messages(t *testing.T, typ domain.MessageType) []domain.OutboxMessage {
	t.Helper()
	var out []domain.OutboxMessage
	for _, env := range h.dispatcher.Sent() {
		if env.Type != typ {
			continue
		}
		msg, err := h.store.Repositories().Outbox.GetMessage(context.Background(), env.MessageID)
		require.NoError(t, err)
		out = append(out, *msg)
	}
	return out
}

// deliver hands every dispatched envelope to the consumer, as a broker would.
func (h *harness) deliver(t *testing.T) {
	t.Helper()
	for _, env := range h.dispatcher.Sent() {
		require.NoError(t, h.consumer.Handle(context.Background(), env))
	}
}

// conflictingStore makes the first n version-checked updates lose.
type conflictingStore struct {
	port.Store
	mu        sync.Mutex
	remaining int
	attempts  int
}

func (c *conflictingStore) RunInTx(ctx context.Context, fn func(repos port.Repositories) error) error {
	return c.Store.RunInTx(ctx, func(repos port.Repositories) error {
		repos.Stock = &conflictingStock{StockRepository: repos.Stock, parent: c}
		return fn(repos)
	})
}

type conflictingStock struct {
	port.StockRepository
	parent *conflictingStore
}

func (s *conflictingStock) ApplyDelta(ctx context.Context, skuID int64, delta int, expectedVersion int64) error {
	s.parent.mu.Lock()
	s.parent.attempts++
	lose := s.parent.remaining != 0
	if s.parent.remaining > 0 {
		s.parent.remaining--
	}
	s.parent.mu.Unlock()

	if lose {
		return domain.ErrOptimisticConflict
	}
	return s.StockRepository.ApplyDelta(ctx, skuID, delta, expectedVersion)
}

var errStoreDown = errors.New("store down")

// failingOrderStore rejects order updates to failOn made outside a
// transaction.
type failingOrderStore struct {
	port.Store
	failOn domain.OrderStatus
}

func (f *failingOrderStore) Repositories() port.Repositories {
	repos := f.Store.Repositories()
	repos.Orders = &failingOrders{OrderRepository: repos.Orders, failOn: f.failOn}
	return repos
}

type failingOrders struct {
	port.OrderRepository
	failOn domain.OrderStatus
}

func (f *failingOrders) UpdateOrder(ctx context.Context, order domain.Order, from domain.OrderStatus) error {
	if order.Status == f.failOn {
		return errStoreDown
	}
	return f.OrderRepository.UpdateOrder(ctx, order, from)
}
