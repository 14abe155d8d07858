package storage

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/port"
)

const (
	idempotencyKeyPrefix = "idempotent:"
	lockKeyPrefix        = "lock:"

	minLockPoll = 2 * time.Millisecond
	maxLockPoll = 50 * time.Millisecond
)

// releaseLockScript deletes the lock only while it still carries our token.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var _ port.ConcurrencyGuard = (*RedisGuard)(nil)

// RedisGuard keeps idempotency records and locks in Redis so every process
// instance sees the same state.
type RedisGuard struct {
	client *redis.Client
}

func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client}
}

func idempotencyKey(businessID string, op domain.OperationType) string {
	return idempotencyKeyPrefix + string(op) + ":" + businessID
}

func (r *RedisGuard) IsApplied(ctx context.Context, businessID string, op domain.OperationType) (bool, error) {
	n, err := r.client.Exists(ctx, idempotencyKey(businessID, op)).Result()
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return n == 1, nil
}

func (r *RedisGuard) MarkApplied(ctx context.Context, businessID string, op domain.OperationType, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKey(businessID, op), time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set idempotency key: %w", err)
	}
	return ok, nil
}

func (r *RedisGuard) TryLock(ctx context.Context, resource string, wait, lease time.Duration) (port.Lease, error) {
	key := lockKeyPrefix + resource
	token := uuid.NewString()

	err := pollLock(ctx, wait, func() (bool, error) {
		ok, err := r.client.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return false, fmt.Errorf("acquire lock %s: %w", resource, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return &redisLease{client: r.client, key: key, resource: resource, token: token}, nil
}

type redisLease struct {
	client   *redis.Client
	key      string
	resource string
	token    string
	released atomic.Bool
}

func (l *redisLease) Resource() string { return l.resource }

func (l *redisLease) Release(ctx context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	if err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.resource, err)
	}
	return nil
}

// pollLock calls try until it succeeds or wait elapses. It never blocks past
// the deadline: the last attempt happens at or before it.
func pollLock(ctx context.Context, wait time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	backoff := minLockPoll

	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return domain.ErrLockContended
		}

		sleep := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2+1)))
		if sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if backoff < maxLockPoll {
			backoff *= 2
		}
	}
}
