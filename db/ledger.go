package db

import (
	"context"
	"errors"

	"go.hackfix.me/shift/db/models"
	"go.hackfix.me/shift/db/types"
	"go.hackfix.me/shift/migration"
)

const ledgerTable = "_shift_ledger"

// Ledger is the migration ledger stored in the target database itself.
type Ledger struct {
	d *DB
}

var _ migration.Ledger = (*Ledger)(nil)

// NewLedger returns the ledger of the database. Init must be called before
// using it.
func NewLedger(d *DB) *Ledger {
	return &Ledger{d: d}
}

func (l *Ledger) Applied(ctx context.Context) (map[string]migration.Entry, error) {
	entries, err := models.Entries(ctx, l.d, nil)
	if err != nil {
		return nil, err
	}

	applied := make(map[string]migration.Entry, len(entries))
	for _, e := range entries {
		applied[e.ID] = migration.Entry(*e)
	}

	return applied, nil
}

// RecordApplied inserts the ledger entry and its history event using q, which
// should be the transaction the migration ran in.
func (l *Ledger) RecordApplied(ctx context.Context, q migration.Querier, e migration.Entry) error {
	tq := l.d.Bind(q)

	entry := models.Entry(e)
	if err := entry.Save(ctx, tq); err != nil {
		var dupErr *types.DuplicateError
		if errors.As(err, &dupErr) {
			return &migration.AlreadyAppliedError{ID: e.ID}
		}
		return err
	}

	ev := models.Event{
		ID: e.ID, Action: migration.ActionApply, At: e.AppliedAt,
		By: e.AppliedBy, Duration: e.Duration, RunID: e.RunID,
	}

	return ev.Save(ctx, tq)
}

// RecordRolledBack deletes the ledger entry and appends the history event
// using q, which should be the transaction the migration ran in.
func (l *Ledger) RecordRolledBack(ctx context.Context, q migration.Querier, ev migration.Event) error {
	tq := l.d.Bind(q)

	entry := models.Entry{ID: ev.ID}
	if err := entry.Delete(ctx, tq); err != nil {
		var nrErr types.NoResultError
		if errors.As(err, &nrErr) {
			return &migration.NotAppliedError{ID: ev.ID}
		}
		return err
	}

	event := models.Event(ev)
	event.Action = migration.ActionRollback

	return event.Save(ctx, tq)
}

func (l *Ledger) History(ctx context.Context) ([]migration.Event, error) {
	return l.Events(ctx, nil)
}

// Events returns the history events matching the optional filter, in the
// order they were recorded.
func (l *Ledger) Events(ctx context.Context, filter *types.Filter) ([]migration.Event, error) {
	events, err := models.Events(ctx, l.d, filter)
	if err != nil {
		return nil, err
	}

	out := make([]migration.Event, len(events))
	for i, ev := range events {
		out[i] = migration.Event(*ev)
	}

	return out, nil
}
