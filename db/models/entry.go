package models

import (
	"context"
	"fmt"
	"time"

	"go.hackfix.me/shift/db/types"
	"go.hackfix.me/shift/migration"
)

// Entry is a row of the ledger table, i.e. an applied migration.
type Entry migration.Entry

// Save inserts the entry. It returns *types.DuplicateError if an entry with
// the same ID exists.
func (e *Entry) Save(ctx context.Context, d types.Querier) error {
	stmt := `INSERT INTO _shift_ledger
		(id, number, checksum, applied_at, applied_by, duration_ms, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := d.ExecContext(ctx, types.Rebind(d.Driver(), stmt),
		e.ID, e.Number, e.Checksum, toMillis(e.AppliedAt), e.AppliedBy,
		e.Duration.Milliseconds(), e.RunID)
	if err != nil {
		return types.Err("migration", fmt.Sprintf("ID '%s'", e.ID), err)
	}

	return nil
}

// Delete removes the entry with the same ID. It returns types.NoResultError if
// it doesn't exist.
func (e *Entry) Delete(ctx context.Context, d types.Querier) error {
	if e.ID == "" {
		return types.InvalidInputError{Msg: "migration ID must be set"}
	}

	res, err := d.ExecContext(ctx,
		types.Rebind(d.Driver(), `DELETE FROM _shift_ledger WHERE id = ?`), e.ID)
	if err != nil {
		return err
	}

	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return types.NoResultError{ModelName: "migration", ID: fmt.Sprintf("ID '%s'", e.ID)}
	}
	if n > 1 {
		return types.IntegrityError{Msg: fmt.Sprintf("deleted %d ledger entries", n)}
	}

	return nil
}

// Entries returns the ledger entries ordered by migration number. An optional
// filter can be passed to limit the results.
func Entries(ctx context.Context, d types.Querier, filter *types.Filter) (entries []*Entry, rerr error) {
	where, limit, args := filterClauses(filter)
	query := fmt.Sprintf(`SELECT
			id, number, checksum, applied_at, applied_by, duration_ms, run_id
		FROM _shift_ledger %s
		ORDER BY number ASC, id ASC %s`, where, limit)

	rows, err := d.QueryContext(ctx, types.Rebind(d.Driver(), query), args...)
	if err != nil {
		return nil, types.LoadError{ModelName: "ledger entries", Err: err}
	}
	defer func() {
		if err = rows.Close(); err != nil && rerr == nil {
			rerr = fmt.Errorf("failed closing ledger rows: %w", err)
		}
	}()

	entries = make([]*Entry, 0)
	for rows.Next() {
		var (
			e                Entry
			appliedAt, durMs int64
		)
		err = rows.Scan(&e.ID, &e.Number, &e.Checksum, &appliedAt, &e.AppliedBy, &durMs, &e.RunID)
		if err != nil {
			return nil, types.ScanError{ModelName: "ledger entry", Err: err}
		}
		e.AppliedAt = fromMillis(appliedAt)
		e.Duration = time.Duration(durMs) * time.Millisecond
		entries = append(entries, &e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating over ledger rows: %w", err)
	}

	return entries, nil
}
