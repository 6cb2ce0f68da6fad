package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nrednav/cuid2"

	"go.hackfix.me/shift/db/models"
	"go.hackfix.me/shift/db/types"
	"go.hackfix.me/shift/migration"
)

// DefaultLockName is the name of the lock row used by migration runs.
const DefaultLockName = "migrations"

// acquireAttempts bounds the retries when a lock is released between the
// failed acquire and reading its holder.
const acquireAttempts = 3

// Locker is a lease lock stored as a row in the target database. The lease
// expires unless it's refreshed, so a crashed holder can't block other runs
// indefinitely.
type Locker struct {
	d    *DB
	name string
}

var _ migration.Locker = (*Locker)(nil)

// NewLocker returns a Locker for the named lock. Init must be called before
// using it.
func NewLocker(d *DB, name string) *Locker {
	if name == "" {
		name = DefaultLockName
	}
	return &Locker{d: d, name: name}
}

// Acquire obtains the lock if it's free or expired. The current row is read
// before attempting the write, since on SQLite the write would wait for the
// busy timeout while another runner is inside a migration transaction. A write
// that still fails because the database is busy is reported as a held lock, so
// that callers waiting for the lock retry it.
func (l *Locker) Acquire(ctx context.Context, holder string, ttl time.Duration) (*migration.Lock, error) {
	for range acquireAttempts {
		now := l.d.TimeNow()

		cur, err := l.current(ctx)
		if types.IsBusy(err) {
			return nil, &migration.LockHeldError{Holder: migration.DefaultOperator}
		}
		if err != nil {
			return nil, err
		}
		if cur != nil && now.Before(cur.ExpiresAt) {
			return nil, heldErr(cur)
		}

		row := &models.Lock{
			Name:       l.name,
			Holder:     holder,
			Token:      cuid2.Generate(),
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		ok, err := row.Acquire(ctx, l.d)
		if types.IsBusy(err) {
			if cur, _ = l.current(ctx); cur != nil {
				return nil, heldErr(cur)
			}
			return nil, &migration.LockHeldError{Holder: migration.DefaultOperator}
		}
		if err != nil {
			return nil, err
		}
		if ok {
			return toLock(row), nil
		}

		// Another runner acquired the lock after it was read, or released it
		// before the write.
		if cur, err = l.current(ctx); err != nil {
			return nil, err
		}
		if cur != nil {
			return nil, heldErr(cur)
		}
	}

	return nil, fmt.Errorf("failed acquiring lock '%s' after %d attempts", l.name, acquireAttempts)
}

func (l *Locker) Refresh(ctx context.Context, lock *migration.Lock, ttl time.Duration) error {
	row := l.row(lock)
	if err := row.Refresh(ctx, l.d, l.d.TimeNow().Add(ttl)); err != nil {
		return lockErr(err)
	}
	lock.ExpiresAt = row.ExpiresAt
	return nil
}

func (l *Locker) Release(ctx context.Context, lock *migration.Lock) error {
	return lockErr(l.row(lock).Delete(ctx, l.d))
}

// Holder returns the current lock, if any, regardless of expiration.
func (l *Locker) Holder(ctx context.Context) (*migration.Lock, error) {
	cur, err := l.current(ctx)
	if err != nil || cur == nil {
		return nil, err
	}
	return toLock(cur), nil
}

// current returns the lock row, or nil if there is none.
func (l *Locker) current(ctx context.Context) (*models.Lock, error) {
	row := &models.Lock{Name: l.name}
	err := row.Load(ctx, l.d)
	var nrErr types.NoResultError
	if errors.As(err, &nrErr) {
		return nil, nil //nolint:nilnil // No lock is a valid state.
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (l *Locker) row(lock *migration.Lock) *models.Lock {
	return &models.Lock{
		Name:       l.name,
		Holder:     lock.Holder,
		Token:      lock.Token,
		AcquiredAt: lock.AcquiredAt,
		ExpiresAt:  lock.ExpiresAt,
	}
}

func toLock(row *models.Lock) *migration.Lock {
	return &migration.Lock{
		Holder:     row.Holder,
		Token:      row.Token,
		AcquiredAt: row.AcquiredAt,
		ExpiresAt:  row.ExpiresAt,
	}
}

func heldErr(row *models.Lock) *migration.LockHeldError {
	return &migration.LockHeldError{
		Holder:     row.Holder,
		AcquiredAt: row.AcquiredAt,
		ExpiresAt:  row.ExpiresAt,
	}
}

func lockErr(err error) error {
	var nrErr types.NoResultError
	if errors.As(err, &nrErr) {
		return migration.ErrLockLost
	}
	return err
}
