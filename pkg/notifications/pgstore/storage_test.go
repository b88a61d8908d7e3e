package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/notifykit/pkg/logger"
	"github.com/dmitrymomot/notifykit/pkg/notifications"
	"github.com/dmitrymomot/notifykit/pkg/notifications/pgstore"
	"github.com/dmitrymomot/notifykit/pkg/notifications/storagetest"
	"github.com/dmitrymomot/notifykit/pkg/pg"
)

// Set NOTIFY_TEST_PG_URL to a disposable database to run these tests.
func TestStorage_Conformance(t *testing.T) {
	url := os.Getenv("NOTIFY_TEST_PG_URL")
	if url == "" {
		t.Skip("NOTIFY_TEST_PG_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := pg.Config{
		ConnectionString:  url,
		MaxOpenConns:      5,
		MaxIdleConns:      1,
		HealthCheckPeriod: time.Minute,
		MaxConnIdleTime:   time.Minute,
		MaxConnLifetime:   time.Hour,
		RetryAttempts:     3,
		RetryInterval:     time.Second,
		MigrationsTable:   "notifykit_test_migrations",
	}

	pool, err := pg.Connect(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, pg.Migrate(ctx, pool, pgstore.Migrations, pgstore.MigrationsDir, cfg, logger.Discard()))

	storagetest.Run(t, func(t *testing.T) notifications.Storage {
		_, err := pool.Exec(context.Background(), `TRUNCATE dead_letter_queue, notifications`)
		require.NoError(t, err)
		return pgstore.New(pool)
	})
}
