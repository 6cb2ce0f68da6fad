package migration

import (
	"context"
	"time"
)

// Entry is the ledger record of an applied migration.
type Entry struct {
	ID        string
	Number    int
	Checksum  string
	AppliedAt time.Time
	AppliedBy string
	Duration  time.Duration
	RunID     string
}

// Action is the kind of a ledger history event.
type Action string

const (
	ActionApply    Action = "apply"
	ActionRollback Action = "rollback"
)

// Event is an append-only history record of a ledger transition.
type Event struct {
	ID       string
	Action   Action
	At       time.Time
	By       string
	Duration time.Duration
	RunID    string
}

// Ledger is the durable record of which migrations have been applied. It is
// the only authority on whether a migration was applied; file state only
// tells what could be applied.
//
// The write methods receive the Querier the migration procedure ran against,
// so that the procedure and the ledger transition are committed atomically.
type Ledger interface {
	// Applied returns all ledger entries keyed by migration ID.
	Applied(ctx context.Context) (map[string]Entry, error)
	// RecordApplied inserts the entry if no entry with the same ID exists.
	// It returns *AlreadyAppliedError otherwise.
	RecordApplied(ctx context.Context, q Querier, e Entry) error
	// RecordRolledBack removes the entry for the event's migration ID. It
	// returns *NotAppliedError if no such entry exists.
	RecordRolledBack(ctx context.Context, q Querier, ev Event) error
	// History returns all ledger transitions in the order they happened.
	History(ctx context.Context) ([]Event, error)
}

// Executor runs migration procedures within transactions.
type Executor interface {
	// Transact runs fn within a transaction. The transaction is committed
	// only if commit is true and fn returns no error, and rolled back
	// otherwise.
	Transact(ctx context.Context, commit bool, fn func(ctx context.Context, q Querier) error) error
}
