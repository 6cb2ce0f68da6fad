package migration

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnboundedRollback is returned when a down run doesn't specify which
// migrations to revert.
var ErrUnboundedRollback = errors.New("rolling back requires an explicit list of migration IDs")

// ErrLockLost is returned when the lock was released or reclaimed by another
// holder while it was expected to be held.
var ErrLockLost = errors.New("migration lock is no longer held")

// DuplicateNumberError is returned when more than one migration uses the same
// number.
type DuplicateNumberError struct {
	Number int
	IDs    []string
}

func (e *DuplicateNumberError) Error() string {
	return fmt.Sprintf("duplicate migration number %d: %s", e.Number, strings.Join(e.IDs, ", "))
}

// MalformedIDError is returned when a migration ID isn't in the canonical
// {number}_{description} format.
type MalformedIDError struct {
	ID     string
	Reason string
}

func (e *MalformedIDError) Error() string {
	return fmt.Sprintf("malformed migration ID '%s': %s", e.ID, e.Reason)
}

// IncompleteMigrationError is returned when a migration is missing its up or
// down procedure.
type IncompleteMigrationError struct {
	ID      string
	Missing []Direction
}

func (e *IncompleteMigrationError) Error() string {
	missing := make([]string, len(e.Missing))
	for i, dir := range e.Missing {
		missing[i] = string(dir)
	}
	return fmt.Sprintf("incomplete migration '%s': missing %s procedure", e.ID, strings.Join(missing, " and "))
}

// ValidationError is the batch of problems found in a migration set.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("found %d invalid migration(s): %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap allows errors.Is and errors.As to match any of the problems.
func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

// DuplicateMigrationError is returned when creating a migration whose ID
// already exists.
type DuplicateMigrationError struct {
	ID   string
	Path string
}

func (e *DuplicateMigrationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("migration '%s' already exists at %s", e.ID, e.Path)
	}
	return fmt.Sprintf("migration '%s' already exists", e.ID)
}

// InvalidDescriptionError is returned when a migration description can't be
// turned into a valid ID.
type InvalidDescriptionError struct {
	Description string
	Reason      string
}

func (e *InvalidDescriptionError) Error() string {
	return fmt.Sprintf("invalid migration description '%s': %s", e.Description, e.Reason)
}

// LockHeldError is returned when another runner holds a live migration lock.
type LockHeldError struct {
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

func (e *LockHeldError) Error() string {
	if e.AcquiredAt.IsZero() {
		return fmt.Sprintf("migration lock is held by '%s'", e.Holder)
	}
	return fmt.Sprintf("migration lock is held by '%s' since %s (expires %s)",
		e.Holder, e.AcquiredAt.UTC().Format(time.RFC3339), e.ExpiresAt.UTC().Format(time.RFC3339))
}

// ExecutionError wraps the error returned by a migration procedure, or by the
// ledger update that follows it.
type ExecutionError struct {
	ID        string
	Direction Direction
	DryRun    bool
	Err       error
}

func (e *ExecutionError) Error() string {
	prefix := ""
	if e.DryRun {
		prefix = "[dry-run] simulated "
	}
	return fmt.Sprintf("%smigration '%s' (%s) failed: %s", prefix, e.ID, e.Direction, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// UnknownMigrationError is returned when a run references migration IDs that
// aren't defined.
type UnknownMigrationError struct {
	IDs []string
}

func (e *UnknownMigrationError) Error() string {
	return fmt.Sprintf("unknown migration(s): %s", strings.Join(e.IDs, ", "))
}

// AlreadyAppliedError is returned by a Ledger when recording a migration that
// is already recorded.
type AlreadyAppliedError struct {
	ID string
}

func (e *AlreadyAppliedError) Error() string {
	return fmt.Sprintf("migration '%s' is already applied", e.ID)
}

// NotAppliedError is returned by a Ledger when rolling back a migration that
// isn't recorded.
type NotAppliedError struct {
	ID string
}

func (e *NotAppliedError) Error() string {
	return fmt.Sprintf("migration '%s' is not applied", e.ID)
}
