package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/port"
)

var _ port.ConcurrencyGuard = (*LocalGuard)(nil)

// sweepEvery is how many idempotency marks are written between purges of
// expired entries.
const sweepEvery = 1024

// LocalGuard is the guard used when no shared store is configured. Its state
// is only visible to the current process, so it is suitable for a single
// instance or tests.
type LocalGuard struct {
	mu      sync.Mutex
	applied map[string]time.Time
	locks   map[string]localLock
	marks   int
	now     func() time.Time
}

type localLock struct {
	token     string
	expiresAt time.Time
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{
		applied: make(map[string]time.Time),
		locks:   make(map[string]localLock),
		now:     time.Now,
	}
}

func (g *LocalGuard) IsApplied(_ context.Context, businessID string, op domain.OperationType) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := idempotencyKey(businessID, op)
	expiresAt, ok := g.applied[key]
	if !ok {
		return false, nil
	}
	if !g.now().Before(expiresAt) {
		delete(g.applied, key)
		return false, nil
	}
	return true, nil
}

func (g *LocalGuard) MarkApplied(_ context.Context, businessID string, op domain.OperationType, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := idempotencyKey(businessID, op)
	now := g.now()
	if expiresAt, ok := g.applied[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	g.applied[key] = now.Add(ttl)

	g.marks++
	if g.marks >= sweepEvery {
		g.marks = 0
		g.sweep(now)
	}
	return true, nil
}

// sweep drops expired marks and locks. Callers hold g.mu.
func (g *LocalGuard) sweep(now time.Time) {
	for key, expiresAt := range g.applied {
		if !now.Before(expiresAt) {
			delete(g.applied, key)
		}
	}
	for resource, held := range g.locks {
		if !now.Before(held.expiresAt) {
			delete(g.locks, resource)
		}
	}
}

func (g *LocalGuard) TryLock(ctx context.Context, resource string, wait, lease time.Duration) (port.Lease, error) {
	token := uuid.NewString()

	err := pollLock(ctx, wait, func() (bool, error) {
		g.mu.Lock()
		defer g.mu.Unlock()

		now := g.now()
		if held, ok := g.locks[resource]; ok && now.Before(held.expiresAt) {
			return false, nil
		}
		g.locks[resource] = localLock{token: token, expiresAt: now.Add(lease)}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &localLease{guard: g, resource: resource, token: token}, nil
}

type localLease struct {
	guard    *LocalGuard
	resource string
	token    string
}

func (l *localLease) Resource() string { return l.resource }

func (l *localLease) Release(context.Context) error {
	l.guard.mu.Lock()
	defer l.guard.mu.Unlock()

	if held, ok := l.guard.locks[l.resource]; ok && held.token == l.token {
		delete(l.guard.locks, l.resource)
	}
	return nil
}
