package queries

import (
	"context"
	"fmt"
	"strings"

	"go.hackfix.me/shift/db/types"
)

// Tables returns the names of all user tables in the database. Internal tables,
// i.e. those prefixed with an underscore, are only included if internal is
// true.
func Tables(ctx context.Context, d types.Querier, internal bool) (tables map[string]struct{}, rerr error) {
	query := `SELECT name FROM sqlite_master WHERE type = 'table'`
	if d.Driver() == types.DriverPostgres {
		query = `SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = current_schema()`
	}

	rows, err := d.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed listing tables: %w", err)
	}
	defer func() {
		if err = rows.Close(); err != nil && rerr == nil {
			rerr = fmt.Errorf("failed closing tables rows: %w", err)
		}
	}()

	tables = make(map[string]struct{})
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, err
		}

		// SQLite bookkeeping, e.g. sqlite_sequence
		if strings.HasPrefix(name, "sqlite_") {
			continue
		}
		if internal || !strings.HasPrefix(name, "_") {
			tables[name] = struct{}{}
		}
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating over tables rows: %w", err)
	}

	return tables, nil
}
