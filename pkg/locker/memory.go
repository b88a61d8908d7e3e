package locker

import (
	"context"
	"sync"
)

// MemoryLocker is an in-process Locker. Idle keys are dropped, so memory use
// follows the number of keys currently held or awaited.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	slot chan struct{}
	refs int
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyLock)}
}

func (l *MemoryLocker) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	kl := l.ref(key)
	select {
	case kl.slot <- struct{}{}:
		return l.unlocker(key, kl), true, nil
	default:
		l.unref(key, kl)
		return nil, false, nil
	}
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	kl := l.ref(key)
	select {
	case kl.slot <- struct{}{}:
		return l.unlocker(key, kl), nil
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, ctx.Err()
	}
}

func (l *MemoryLocker) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{slot: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *MemoryLocker) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *MemoryLocker) unlocker(key string, kl *keyLock) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.slot
			l.unref(key, kl)
		})
	}
}

// held returns the number of keys currently tracked. Used by tests.
func (l *MemoryLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
