package locker_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/locker"
	"github.com/dmitrymomot/notifykit/pkg/logger"
)

// Set NOTIFY_TEST_REDIS_URL to a disposable server to run these tests.
func newRedisClient(t *testing.T) *goredis.Client {
	t.Helper()

	url := os.Getenv("NOTIFY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("NOTIFY_TEST_REDIS_URL is not set")
	}

	opts, err := goredis.ParseURL(url)
	require.NoError(t, err)
	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestRedisLocker(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()

	l := locker.NewRedisLocker(client,
		locker.WithKeyPrefix("notifykit_test:"+uuid.NewString()),
		locker.WithRetryInterval(5*time.Millisecond),
		locker.WithLogger(logger.Discard()),
	)

	unlock, ok, err := l.TryLock(ctx, "notification:1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "notification:1")
	require.NoError(t, err)
	assert.False(t, ok)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "notification:1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()

	relock, err := l.Lock(ctx, "notification:1")
	require.NoError(t, err)
	relock()
}

func TestRedisLocker_Expiry(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()

	l := locker.NewRedisLocker(client,
		locker.WithKeyPrefix("notifykit_test:"+uuid.NewString()),
		locker.WithTTL(50*time.Millisecond),
		locker.WithRetryInterval(5*time.Millisecond),
		locker.WithLogger(logger.Discard()),
	)

	stale, ok, err := l.TryLock(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	fresh, err := l.Lock(ctx, "k")
	require.NoError(t, err, "expired lock is taken over")

	stale()

	_, ok, err = l.TryLock(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "stale holder must not release the new owner's lock")
	fresh()
}
