package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
)

// Locker hands out short-lived redis locks. It is used to keep sweeps from
// overlapping; correctness never depends on it, because every transition is
// a compare-and-swap in the store.
type Locker struct {
	rs *redsync.Redsync
}

// NewLocker builds a redsync-backed locker on the cache's client.
func NewLocker(c *RedisCache) *Locker {
	pool := goredis.NewPool(c.Client)
	return &Locker{rs: redsync.New(pool)}
}

// TryAcquire takes the named lock without waiting.
//
// Behavior:
//   - ok=false with a nil error when somebody else holds the lock.
//   - release is a no-op when ok is false.
//   - The lock expires on its own after ttl, so a crashed holder cannot
//     block sweeps forever.
func (l *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error) {
	mutex := l.rs.NewMutex(name,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			return func() {}, false, nil
		}
		return func() {}, false, fmt.Errorf("acquire %s: %w", name, err)
	}

	return func() {
		// best effort; expiry covers a failed unlock
		_, _ = mutex.UnlockContext(context.Background())
	}, true, nil
}
