// Package locker provides keyed, single-writer locks.
//
// A Locker hands out at most one lock per key at a time. Two implementations
// are provided:
//
//   - MemoryLocker serializes goroutines of one process.
//   - RedisLocker serializes processes that share a Redis server, using
//     SET NX with an expiry and a compare-and-delete release script.
//
// # Usage
//
//	l := locker.NewMemoryLocker()
//
//	unlock, ok, err := l.TryLock(ctx, "notification:42")
//	if err != nil || !ok {
//	    return // someone else owns the key
//	}
//	defer unlock()
//
// Lock blocks until the key is free or the context is done.
package locker
