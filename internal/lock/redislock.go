package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by TryLock when another holder owns the key.
var ErrNotAcquired = errors.New("lock: not acquired")

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// Locker provides Redis-backed mutual exclusion for payout entities.
// Keys are scoped under the configured prefix so that settlement,
// deduction and statement locks do not collide with other keyspaces.
type Locker struct {
	R            *redis.Client
	Prefix       string
	TTL          time.Duration
	RetryBackoff time.Duration
}

// WithLock runs fn while holding the lock for key, retrying acquisition
// until the context is cancelled. The lock is always released afterwards,
// even when fn fails.
func (l Locker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	token := uuid.NewString()
	full := l.fullKey(key)

	for {
		ok, err := l.R.SetNX(ctx, full, token, l.ttl()).Result()
		if err != nil {
			return err
		}
		if ok {
			defer l.release(full, token)
			return fn(ctx)
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryLock attempts a single acquisition and runs fn when it succeeds.
// ErrNotAcquired is returned without waiting when the key is held.
func (l Locker) TryLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	token := uuid.NewString()
	full := l.fullKey(key)
	ok, err := l.R.SetNX(ctx, full, token, l.ttl()).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer l.release(full, token)
	return fn(ctx)
}

func (l Locker) ttl() time.Duration {
	if l.TTL <= 0 {
		return 30 * time.Second
	}
	return l.TTL
}

func (l Locker) fullKey(key string) string {
	if l.Prefix == "" {
		return "lock:" + key
	}
	return l.Prefix + ":lock:" + key
}

// release checks ownership before deleting so an expired lock taken over
// by another holder is never removed.
func (l Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = l.R.Eval(ctx, releaseScript, []string{key}, token).Err()
}
