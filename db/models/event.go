package models

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.hackfix.me/shift/db/types"
	"go.hackfix.me/shift/migration"
)

// Event is a row of the append-only history table.
type Event migration.Event

// Save appends the event to the history.
func (ev *Event) Save(ctx context.Context, d types.Querier) error {
	stmt := `INSERT INTO _shift_history
		(id, action, occurred_at, actor, duration_ms, run_id)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := d.ExecContext(ctx, types.Rebind(d.Driver(), stmt),
		ev.ID, string(ev.Action), toMillis(ev.At), ev.By, ev.Duration.Milliseconds(), ev.RunID)
	if err != nil {
		return fmt.Errorf("failed recording %s event for migration '%s': %w", ev.Action, ev.ID, err)
	}

	return nil
}

// Events returns history events in the order they were recorded. An optional
// filter can be passed to limit the results. If the filter has a limit, the
// most recent events are returned.
func Events(ctx context.Context, d types.Querier, filter *types.Filter) (events []*Event, rerr error) {
	where, limit, args := filterClauses(filter)
	query := fmt.Sprintf(`SELECT id, action, occurred_at, actor, duration_ms, run_id
		FROM _shift_history %s
		ORDER BY seq DESC %s`, where, limit)

	rows, err := d.QueryContext(ctx, types.Rebind(d.Driver(), query), args...)
	if err != nil {
		return nil, types.LoadError{ModelName: "history", Err: err}
	}
	defer func() {
		if err = rows.Close(); err != nil && rerr == nil {
			rerr = fmt.Errorf("failed closing history rows: %w", err)
		}
	}()

	events = make([]*Event, 0)
	for rows.Next() {
		var (
			ev              Event
			occurredAt, dur int64
			action          string
		)
		err = rows.Scan(&ev.ID, &action, &occurredAt, &ev.By, &dur, &ev.RunID)
		if err != nil {
			return nil, types.ScanError{ModelName: "history event", Err: err}
		}
		ev.Action = migration.Action(action)
		ev.At = fromMillis(occurredAt)
		ev.Duration = time.Duration(dur) * time.Millisecond
		events = append(events, &ev)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating over history rows: %w", err)
	}

	// Rows are read newest first so that the limit applies to recent events.
	slices.Reverse(events)

	return events, nil
}
