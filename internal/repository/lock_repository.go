package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired is returned when a lock could not be taken within the
// wait budget. The engine maps it to a service_unavailable failure.
var ErrLockNotAcquired = errors.New("lock not acquired")

// LockRepository provides Redis-backed distributed locks
type LockRepository interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (*DistributedLock, error)
	AcquireLockWait(ctx context.Context, key string, ttl, wait time.Duration) (*DistributedLock, error)
	ReleaseLock(ctx context.Context, lock *DistributedLock) error
	IsLocked(ctx context.Context, key string) (bool, error)
}

// DistributedLock is a held lock; Value fences the release so a lock that
// expired and was re-acquired by someone else is never deleted by us.
type DistributedLock struct {
	Key        string
	Value      string
	TTL        time.Duration
	AcquiredAt time.Time
}

type lockRepository struct {
	client *redis.Client
}

func NewLockRepository(client *redis.Client) LockRepository {
	return &lockRepository{
		client: client,
	}
}

const (
	lockPrefix        = "lock:"
	lockRetryInterval = 50 * time.Millisecond
	lockReleaseScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

func (r *lockRepository) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*DistributedLock, error) {
	lockKey := lockPrefix + key
	lockValue := uuid.New().String()

	ok, err := r.client.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
	}

	return &DistributedLock{
		Key:        lockKey,
		Value:      lockValue,
		TTL:        ttl,
		AcquiredAt: time.Now(),
	}, nil
}

// AcquireLockWait retries acquisition until the wait budget is spent. The
// caller gets ErrLockNotAcquired on timeout rather than blocking forever.
func (r *lockRepository) AcquireLockWait(ctx context.Context, key string, ttl, wait time.Duration) (*DistributedLock, error) {
	deadline := time.Now().Add(wait)

	for {
		lock, err := r.AcquireLock(ctx, key, ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			return nil, err
		}

		if time.Now().Add(lockRetryInterval).After(deadline) {
			return nil, fmt.Errorf("%w: %s (waited %s)", ErrLockNotAcquired, key, wait)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

func (r *lockRepository) ReleaseLock(ctx context.Context, lock *DistributedLock) error {
	result, err := r.client.Eval(ctx, lockReleaseScript, []string{lock.Key}, lock.Value).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	if result.(int64) == 0 {
		return fmt.Errorf("lock not found or already released: %s", lock.Key)
	}

	return nil
}

func (r *lockRepository) IsLocked(ctx context.Context, key string) (bool, error) {
	exists, err := r.client.Exists(ctx, lockPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock existence: %w", err)
	}

	return exists > 0, nil
}

// TradeLockManager provides the two lock scopes the trade engine needs: the
// pool-wide trade lock that serializes settlement, and a per-user portfolio
// lock. Pool first, then user, always in that order.
type TradeLockManager struct {
	lockRepo LockRepository
	ttl      time.Duration
	wait     time.Duration
}

func NewTradeLockManager(lockRepo LockRepository, ttl, wait time.Duration) *TradeLockManager {
	return &TradeLockManager{
		lockRepo: lockRepo,
		ttl:      ttl,
		wait:     wait,
	}
}

func (m *TradeLockManager) LockPool(ctx context.Context) (*DistributedLock, error) {
	return m.lockRepo.AcquireLockWait(ctx, "pool:trade", m.ttl, m.wait)
}

func (m *TradeLockManager) LockPortfolio(ctx context.Context, userID int64) (*DistributedLock, error) {
	return m.lockRepo.AcquireLockWait(ctx, fmt.Sprintf("portfolio:%d", userID), m.ttl, m.wait)
}

func (m *TradeLockManager) Release(ctx context.Context, lock *DistributedLock) error {
	return m.lockRepo.ReleaseLock(ctx, lock)
}

// IdempotencyRepository caches trade results by idempotency key so a retried
// request replays the original outcome instead of trading twice
type IdempotencyRepository interface {
	Save(ctx context.Context, key string, result interface{}, ttl time.Duration) error
	Load(ctx context.Context, key string, dest interface{}) (bool, error)
	Delete(ctx context.Context, key string) error
}

type idempotencyRepository struct {
	client *redis.Client
}

func NewIdempotencyRepository(client *redis.Client) IdempotencyRepository {
	return &idempotencyRepository{
		client: client,
	}
}

const idempotencyPrefix = "idempotency:trade:"

func (r *idempotencyRepository) Save(ctx context.Context, key string, result interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency result: %w", err)
	}

	if err := r.client.Set(ctx, idempotencyPrefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save idempotency result: %w", err)
	}

	return nil
}

func (r *idempotencyRepository) Load(ctx context.Context, key string, dest interface{}) (bool, error) {
	payload, err := r.client.Get(ctx, idempotencyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load idempotency result: %w", err)
	}

	if err := json.Unmarshal(payload, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal idempotency result: %w", err)
	}

	return true, nil
}

func (r *idempotencyRepository) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, idempotencyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete idempotency key: %w", err)
	}

	return nil
}
