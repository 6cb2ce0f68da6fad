package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.hackfix.me/shift/db/types"
)

// Lock is a row of the lock table. Each row is an independent named lock.
type Lock struct {
	Name       string
	Holder     string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Acquire inserts the lock row, or takes over an existing row that expired at
// or before the lock's AcquiredAt time. It's a single statement, so concurrent
// acquirers can't both succeed. It returns false if a live lock exists.
func (l *Lock) Acquire(ctx context.Context, d types.Querier) (bool, error) {
	stmt := `INSERT INTO _shift_lock (name, holder, token, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE
		SET holder = excluded.holder,
		    token = excluded.token,
		    acquired_at = excluded.acquired_at,
		    expires_at = excluded.expires_at
		WHERE _shift_lock.expires_at <= ?`
	res, err := d.ExecContext(ctx, types.Rebind(d.Driver(), stmt),
		l.Name, l.Holder, l.Token, toMillis(l.AcquiredAt), toMillis(l.ExpiresAt),
		toMillis(l.AcquiredAt))
	if err != nil {
		return false, fmt.Errorf("failed acquiring lock '%s': %w", l.Name, err)
	}

	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// Load the lock data from the database by name.
func (l *Lock) Load(ctx context.Context, d types.Querier) error {
	if l.Name == "" {
		return types.InvalidInputError{Msg: "lock name must be set"}
	}

	var acquiredAt, expiresAt int64
	err := d.QueryRowContext(ctx, types.Rebind(d.Driver(),
		`SELECT holder, token, acquired_at, expires_at FROM _shift_lock WHERE name = ?`), l.Name).
		Scan(&l.Holder, &l.Token, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.NoResultError{ModelName: "lock", ID: fmt.Sprintf("name '%s'", l.Name)}
	}
	if err != nil {
		return types.ScanError{ModelName: "lock", Err: err}
	}
	l.AcquiredAt = fromMillis(acquiredAt)
	l.ExpiresAt = fromMillis(expiresAt)

	return nil
}

// Refresh sets a new expiration time, if the lock is still held with the same
// token. It returns types.NoResultError otherwise.
func (l *Lock) Refresh(ctx context.Context, d types.Querier, expiresAt time.Time) error {
	res, err := d.ExecContext(ctx, types.Rebind(d.Driver(),
		`UPDATE _shift_lock SET expires_at = ? WHERE name = ? AND token = ?`),
		toMillis(expiresAt), l.Name, l.Token)
	if err != nil {
		return fmt.Errorf("failed refreshing lock '%s': %w", l.Name, err)
	}

	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return types.NoResultError{ModelName: "lock", ID: fmt.Sprintf("name '%s' and token '%s'", l.Name, l.Token)}
	}
	l.ExpiresAt = expiresAt

	return nil
}

// Delete removes the lock row, if the lock is still held with the same token.
// It returns types.NoResultError otherwise.
func (l *Lock) Delete(ctx context.Context, d types.Querier) error {
	res, err := d.ExecContext(ctx, types.Rebind(d.Driver(),
		`DELETE FROM _shift_lock WHERE name = ? AND token = ?`), l.Name, l.Token)
	if err != nil {
		return fmt.Errorf("failed releasing lock '%s': %w", l.Name, err)
	}

	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return types.NoResultError{ModelName: "lock", ID: fmt.Sprintf("name '%s' and token '%s'", l.Name, l.Token)}
	}

	return nil
}
