package locker

import (
	"context"
	"errors"
)

// ErrLockNotHeld is returned when releasing a lock that expired or was taken over.
var ErrLockNotHeld = errors.New("lock not held")

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

// Locker hands out exclusive locks per key.
type Locker interface {
	// TryLock acquires the key without waiting. ok is false when the key is held.
	TryLock(ctx context.Context, key string) (unlock Unlock, ok bool, err error)

	// Lock waits until the key is acquired or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
}
