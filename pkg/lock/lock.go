// Package lock provides an abstraction layer for the short per-fragment locks
// FragmentStore takes while writing or deleting a fragment archive.
//
// A reconstructor is a single process per storage node, so the only
// implementation that ships is the local one (sync.Mutex/sync.RWMutex keyed
// by fragment path). The interface is kept separate from that implementation
// so tests can substitute a recording or failing locker without touching
// FragmentStore itself.
package lock

import (
	"context"
	"time"
)

// Locker provides exclusive locking semantics over a fragment path.
//
// The key and ttl parameters exist so a future distributed backend can be
// dropped in without changing call sites; the local implementation ignores
// ttl entirely and treats the key as a map key into per-path mutexes.
type Locker interface {
	// Lock acquires an exclusive lock for the given key, blocking until
	// it is free. The local implementation does not watch ctx while it
	// waits.
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// Unlock releases an exclusive lock for the given key. It is safe to
	// call even if Lock failed, but it may return an error in that case.
	Unlock(ctx context.Context, key string) error

	// TryLock attempts to acquire an exclusive lock without blocking.
	//
	// Returns:
	//   - (true, nil) if the lock was acquired
	//   - (false, nil) if the lock is held by someone else
	//   - (false, error) if an error occurred
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RWLocker provides read-write locking semantics over a fragment path.
//
// FragmentStore takes only the write lock (Lock), while deleting or writing
// a fragment archive; hashing a suffix and yielding fragments for peer sync
// take no lock.
type RWLocker interface {
	Locker

	// RLock acquires a shared read lock for the given key.
	RLock(ctx context.Context, key string, ttl time.Duration) error

	// RUnlock releases a shared read lock for the given key.
	RUnlock(ctx context.Context, key string) error
}
