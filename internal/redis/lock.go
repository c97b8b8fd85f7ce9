package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockBackend wraps Redis failures while taking a lock.
	ErrLockBackend = errors.New("lock backend unavailable")
)

type LockOptions struct {
	TTL           time.Duration // lifetime of the key, also bounds fn
	RetryAttempts int           // SETNX attempts, at least 1
	RetryBackoff  time.Duration // wait between attempts
}

// KeyLocker guards critical sections with one Redis key per lock name, so
// every api-server instance serializes on the same key.
type KeyLocker struct {
	client *redis.Client
	opts   LockOptions
}

func NewKeyLocker(client *redis.Client, opts LockOptions) *KeyLocker {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Second
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	return &KeyLocker{
		client: client,
		opts:   opts,
	}
}

// WithLock runs fn while holding lock:{key}. It retries acquisition with a
// fixed backoff and returns ErrLockNotAcquired once attempts are exhausted.
// The lock is released with a compare-and-delete so an expired holder cannot
// free someone else's lock.
func (l *KeyLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockKey := "lock:" + key
	token := uuid.NewString()

	if err := l.acquire(ctx, lockKey, token); err != nil {
		return err
	}

	defer func() {
		// Release even if the caller's context is already done.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = l.release(relCtx, lockKey, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.opts.TTL)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *KeyLocker) acquire(ctx context.Context, key, token string) error {
	for attempt := 1; ; attempt++ {
		ok, err := l.client.SetNX(ctx, key, token, l.opts.TTL).Result()
		if err != nil {
			return fmt.Errorf("%w: acquire lock %s: %w", ErrLockBackend, key, err)
		}
		if ok {
			return nil
		}
		if attempt >= l.opts.RetryAttempts {
			return ErrLockNotAcquired
		}

		timer := time.NewTimer(l.opts.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrLockNotAcquired, ctx.Err())
		case <-timer.C:
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *KeyLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
