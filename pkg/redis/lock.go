package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotAcquired is returned when another run already holds the lock
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when releasing or extending a lock not held
	ErrLockNotHeld = errors.New("lock not held")
)

const lockKeyPrefix = "aspen:runlock:"

// RunLock is one held per-collection run lock. The random value fences
// releases so an expired lock taken over by another run is never deleted.
type RunLock struct {
	client *Client
	key    string
	value  string
	ttl    time.Duration
}

// RunLocker serializes pipeline runs per collection. Runs on different
// collections proceed concurrently; a second run on the same collection fails
// fast with ErrLockNotAcquired.
type RunLocker struct {
	client *Client
}

// NewRunLocker creates a new RunLocker
func NewRunLocker(client *Client) *RunLocker {
	return &RunLocker{client: client}
}

// Acquire attempts to take the run lock for a collection.
func (l *RunLocker) Acquire(ctx context.Context, collection string, ttl time.Duration) (*RunLock, error) {
	lockKey := lockKeyPrefix + collection
	lockValue := uuid.New().String()

	ok, err := l.client.rdb.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, ErrLockNotAcquired
	}

	l.client.logger.WithContext(ctx).Debugf("Acquired run lock: %s", collection)

	return &RunLock{
		client: l.client,
		key:    lockKey,
		value:  lockValue,
		ttl:    ttl,
	}, nil
}

// Release releases the lock if this holder still owns it.
func (lock *RunLock) Release(ctx context.Context) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	result, err := script.Run(ctx, lock.client.rdb, []string{lock.key}, lock.value).Int64()
	if err != nil {
		return err
	}

	if result == 0 {
		return ErrLockNotHeld
	}

	lock.client.logger.WithContext(ctx).Debugf("Released run lock: %s", lock.key)
	return nil
}

// Extend pushes out the lock's expiry for a long-running pipeline.
func (lock *RunLock) Extend(ctx context.Context, ttl time.Duration) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	result, err := script.Run(ctx, lock.client.rdb, []string{lock.key}, lock.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}

	if result == 0 {
		return ErrLockNotHeld
	}

	lock.ttl = ttl
	return nil
}
