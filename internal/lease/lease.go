// Package lease provides per-key exclusive leases so that only one worker,
// in this process or another replica, reconciles a given document at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"swapbot/notifier/internal/util"
)

var errHeld = errors.New("lease held by another owner")

// ReleaseFunc gives a lease back. Releasing an expired or stolen lease is a
// no-op.
type ReleaseFunc func(ctx context.Context) error

type Locker interface {
	// TryAcquire takes the lease on key for ttl if nobody holds it.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error)
}

// Acquire waits until the lease on key is free, polling with exponential
// backoff, and gives up when ctx ends.
func Acquire(ctx context.Context, locker Locker, key string, ttl time.Duration) (ReleaseFunc, error) {
	var release ReleaseFunc
	op := func() error {
		r, ok, err := locker.TryAcquire(ctx, key, ttl)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errHeld
		}
		release = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, errHeld) {
			return nil, fmt.Errorf("acquire lease %s: %w", key, ctxErr)
		}
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return release, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds leases as keys set with NX and a TTL. The value is an
// owner token, and release only deletes the key while it still carries it.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "lease:"}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error) {
	redisKey := l.prefix + key
	owner := util.NewID("owner")
	ok, err := l.client.SetNX(ctx, redisKey, owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("take lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release lease: %w", err)
		}
		return nil
	}
	return release, true, nil
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// MemoryLocker serialises work within a single process.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryLease), now: time.Now}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.leases[key]; ok && now.Before(held.expires) {
		return nil, false, nil
	}
	owner := util.NewID("owner")
	l.leases[key] = memoryLease{owner: owner, expires: now.Add(ttl)}

	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if held, ok := l.leases[key]; ok && held.owner == owner {
			delete(l.leases, key)
		}
		return nil
	}
	return release, true, nil
}
