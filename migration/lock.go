package migration

import (
	"context"
	"time"
)

// Lock is a held migration lock.
type Lock struct {
	Holder string
	// Token uniquely identifies this acquisition, so that a holder can't
	// release a lock that was reclaimed by someone else, even if they share
	// the same holder name.
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Locker coordinates Runners across processes. At most one live lock may exist
// at any time. A lock is live until its expiration time, after which it can be
// reclaimed by another holder.
type Locker interface {
	// Acquire obtains the lock if it's free or expired. It returns
	// *LockHeldError if another live lock exists.
	Acquire(ctx context.Context, holder string, ttl time.Duration) (*Lock, error)
	// Refresh extends the lock expiration to ttl from now. It returns
	// ErrLockLost if the lock is no longer held.
	Refresh(ctx context.Context, lock *Lock, ttl time.Duration) error
	// Release frees the lock. It returns ErrLockLost if the lock is no longer
	// held.
	Release(ctx context.Context, lock *Lock) error
}
