package locker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockTTL       = 30 * time.Second
	lockRetryWait = 25 * time.Millisecond
)

// RedisLocker serializes per-reference state writes across service
// instances with a SetNX lock and TTL. The TTL bounds how long a crashed
// holder can block a reference.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Lock(ctx context.Context, reference string) (func(), error) {
	key := fmt.Sprintf("payment_lock:%s", reference)

	for {
		ok, err := l.client.SetNX(ctx, key, "1", lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock for %s: %w", reference, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryWait):
		}
	}

	return func() {
		// Release on a fresh context: the caller's context may already be
		// canceled by the time the critical section ends.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l.client.Del(releaseCtx, key)
	}, nil
}
