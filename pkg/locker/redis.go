package locker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// releaseScript deletes the key only if it still carries our token, so an
// expired lock re-acquired by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a cross-process Locker backed by Redis.
// A lock expires after its TTL even if its holder crashed.
type RedisLocker struct {
	client        redis.UniversalClient
	prefix        string
	ttl           time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithKeyPrefix sets the namespace for lock keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithTTL sets how long a lock survives without being released.
// It must exceed the longest critical section.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryInterval sets how often Lock polls a held key.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.retryInterval = d
		}
	}
}

// WithLogger sets the logger used to report failed releases.
func WithLogger(log *slog.Logger) RedisOption {
	return func(l *RedisLocker) {
		if log != nil {
			l.logger = log
		}
	}
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client:        client,
		prefix:        "notifykit:lock",
		ttl:           time.Minute,
		retryInterval: 50 * time.Millisecond,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	token := uuid.NewString()
	fullKey := l.prefix + ":" + key

	ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// Release even if the caller's context is already canceled
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()

			if err := l.release(releaseCtx, fullKey, token); err != nil {
				l.logger.LogAttrs(releaseCtx, slog.LevelWarn, "Failed to release lock",
					slog.String("key", fullKey),
					logger.Error(err),
				)
			}
		})
	}

	return unlock, true, nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		unlock, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) release(ctx context.Context, key, token string) error {
	deleted, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return errors.Join(ErrLockNotHeld, errors.New(key))
	}
	return nil
}
