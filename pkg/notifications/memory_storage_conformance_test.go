package notifications_test

import (
	"testing"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
	"github.com/dmitrymomot/notifykit/pkg/notifications/storagetest"
)

func TestMemoryStorage_Conformance(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(*testing.T) notifications.Storage {
		return notifications.NewMemoryStorage()
	})
}
