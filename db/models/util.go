package models

import (
	"fmt"
	"time"

	"go.hackfix.me/shift/db/types"
)

// Timestamps and durations are stored as integer milliseconds, so that both
// SQLite and PostgreSQL sort and compare them the same way.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func rowsAffected(res interface{ RowsAffected() (int64, error) }) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed getting affected rows: %w", err)
	}
	return n, nil
}

// filterClauses returns the WHERE and LIMIT clauses for the optional filter.
func filterClauses(filter *types.Filter) (where, limit string, args []any) {
	where = "WHERE 1=1"
	if filter == nil {
		return where, "", nil
	}
	if filter.Where != "" {
		where = fmt.Sprintf("WHERE %s", filter.Where)
		args = filter.Args
	}
	if filter.Limit > 0 {
		limit = fmt.Sprintf("LIMIT %d", filter.Limit)
	}
	return where, limit, args
}
