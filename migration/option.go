package migration

import (
	"errors"
	"log/slog"
	"time"

	"github.com/nrednav/cuid2"
)

// DefaultOperator is the identity recorded in the ledger when none is set.
const DefaultOperator = "unknown"

// Option is a function that allows configuring the Runner.
type Option func(*Runner) error

// WithLogger sets the logger used by the Runner.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) error {
		r.logger = logger.With("component", "migration")
		return nil
	}
}

// WithTimeNow sets the function used to retrieve the current time.
func WithTimeNow(timeNow func() time.Time) Option {
	return func(r *Runner) error {
		r.timeNow = timeNow
		return nil
	}
}

// WithOperator sets the identity recorded as the applier of migrations, and
// used as the lock holder.
func WithOperator(operator string) Option {
	return func(r *Runner) error {
		if operator == "" {
			operator = DefaultOperator
		}
		r.operator = operator
		return nil
	}
}

// WithLockTTL sets the time after which a lock that wasn't refreshed can be
// reclaimed by another Runner.
func WithLockTTL(ttl time.Duration) Option {
	return func(r *Runner) error {
		if ttl <= 0 {
			return errors.New("lock TTL must be greater than 0")
		}
		r.lockTTL = ttl
		return nil
	}
}

// WithLockWait sets the maximum time to wait for a lock held by another
// Runner. If 0, Run fails immediately with *LockHeldError.
func WithLockWait(wait time.Duration) Option {
	return func(r *Runner) error {
		if wait < 0 {
			return errors.New("lock wait must not be negative")
		}
		r.lockWait = wait
		return nil
	}
}

// WithRunID sets the function used to generate run IDs.
func WithRunID(newID func() string) Option {
	return func(r *Runner) error {
		r.newRunID = newID
		return nil
	}
}

// DefaultOptions returns the default Runner options.
func DefaultOptions() []Option {
	return []Option{
		WithLogger(slog.Default()),
		WithTimeNow(time.Now),
		WithOperator(DefaultOperator),
		WithLockTTL(5 * time.Minute),
		WithLockWait(0),
		WithRunID(cuid2.Generate),
	}
}
