package types

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Driver is a supported database backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Drivers are all supported database backends.
var Drivers = []Driver{DriverSQLite, DriverPostgres}

// Valid returns true if d is a supported database backend.
func (d Driver) Valid() bool {
	return slices.Contains(Drivers, d)
}

// SQLName returns the name the driver is registered with in database/sql.
func (d Driver) SQLName() string {
	if d == DriverPostgres {
		return "pgx"
	}
	return string(d)
}

// Querier exposes only methods for running SQL queries, and some helper functions.
type Querier interface {
	Driver() Driver
	TimeNow() time.Time
	ExecContext(ctx context.Context, sql string, arguments ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Rebind converts the '?' placeholders in query to the format expected by
// the driver. Queries must not contain literal question marks.
func Rebind(driver Driver, query string) string {
	if driver != DriverPostgres {
		return query
	}

	var (
		sb strings.Builder
		n  int
	)
	sb.Grow(len(query) + 8)
	for _, r := range query {
		if r != '?' {
			sb.WriteRune(r)
			continue
		}
		n++
		sb.WriteByte('$')
		sb.WriteString(strconv.Itoa(n))
	}

	return sb.String()
}

// Filter is used to dynamically modify queries.
type Filter struct {
	Where string
	Args  []any
	Limit int
}

// NewFilter creates a new query filter.
func NewFilter(where string, args []any) *Filter {
	return &Filter{Where: where, Args: args}
}

// And joins f2 with f1 using an AND condition.
func (f1 *Filter) And(f2 *Filter) *Filter {
	return &Filter{
		Where: fmt.Sprintf("(%s) AND (%s)", f1.Where, f2.Where),
		Args:  slices.Concat(f1.Args, f2.Args),
		Limit: max(f1.Limit, f2.Limit),
	}
}

// Or joins f2 with f1 using an OR condition.
func (f1 *Filter) Or(f2 *Filter) *Filter {
	return &Filter{
		Where: fmt.Sprintf("(%s) OR (%s)", f1.Where, f2.Where),
		Args:  slices.Concat(f1.Args, f2.Args),
		Limit: max(f1.Limit, f2.Limit),
	}
}
