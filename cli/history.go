package cli

import (
	"time"

	actx "go.hackfix.me/shift/app/context"
	aerrors "go.hackfix.me/shift/app/errors"
	"go.hackfix.me/shift/db"
	"go.hackfix.me/shift/db/types"
	"go.hackfix.me/shift/xtime"
)

// The History command shows the append-only record of applied and rolled back
// migrations.
type History struct {
	ID     []string `help:"Only show events of these migration IDs." placeholder:"ID"`
	Action string   `enum:"apply,rollback,any" default:"any" help:"Only show events of this action. One of: ${enum}."`
	Limit  int      `help:"Show at most this number of the most recent events. 0 shows all events."`
}

// Run the history command.
func (c *History) Run(appCtx *actx.Context) error {
	var filter *types.Filter
	for _, id := range c.ID {
		f := types.NewFilter("id = ?", []any{id})
		if filter == nil {
			filter = f
		} else {
			filter = filter.Or(f)
		}
	}
	if c.Action != "any" {
		f := types.NewFilter("action = ?", []any{c.Action})
		if filter == nil {
			filter = f
		} else {
			filter = filter.And(f)
		}
	}
	if c.Limit > 0 {
		if filter == nil {
			filter = &types.Filter{}
		}
		filter.Limit = c.Limit
	}

	events, err := db.NewLedger(appCtx.DB).Events(appCtx.Ctx, filter)
	if err != nil {
		return aerrors.NewRuntimeError("failed reading migration history", err, "")
	}

	if len(events) == 0 {
		return nil
	}

	data := make([][]string, len(events))
	for i, ev := range events {
		data[i] = []string{
			ev.At.UTC().Format(time.RFC3339),
			ev.ID,
			string(ev.Action),
			ev.By,
			xtime.FormatDuration(ev.Duration, time.Millisecond),
			ev.RunID,
		}
	}

	err = renderTable(appCtx.Stdout, []string{"TIME", "ID", "ACTION", "BY", "DURATION", "RUN ID"}, data)
	if err != nil {
		return aerrors.NewRuntimeError("failed rendering history table", err, "")
	}

	return nil
}
