package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	//nolint:revive,nolintlint // Idiomatic way of loading DB libraries.
	_ "github.com/glebarez/go-sqlite"
	//nolint:revive,nolintlint // Idiomatic way of loading DB libraries.
	_ "github.com/jackc/pgx/v5/stdlib"

	"go.hackfix.me/shift/db/queries"
	"go.hackfix.me/shift/db/types"
	"go.hackfix.me/shift/migration"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// DB wraps sql.DB with the driver it was opened with, and implements the
// migration Executor.
type DB struct {
	*sql.DB
	timeNow func() time.Time
	driver  types.Driver
	dsn     string
	logger  *slog.Logger
}

var (
	_ types.Querier      = (*DB)(nil)
	_ migration.Executor = (*DB)(nil)
)

// Open creates and configures a new database connection.
func Open(
	ctx context.Context, driver types.Driver, dsn string, timeNow func() time.Time, logger *slog.Logger,
) (*DB, error) {
	if !driver.Valid() {
		return nil, fmt.Errorf("unsupported database driver '%s'", driver)
	}
	if dsn == "" {
		return nil, errors.New("database DSN is required")
	}

	sqlDB, err := sql.Open(driver.SQLName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed opening %s database: %w", driver, err)
	}

	d := &DB{
		DB: sqlDB, timeNow: timeNow, driver: driver, dsn: dsn,
		logger: logger.With("driver", driver),
	}

	if driver == types.DriverSQLite {
		if err = d.configureSQLite(); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	if err = d.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed connecting to %s database: %w", driver, err)
	}

	return d, nil
}

// configureSQLite limits the pool to a single connection. SQLite serializes
// writers anyway, and a single connection avoids SQLITE_BUSY errors between
// the lock, ledger and migration transactions of the same process.
func (d *DB) configureSQLite() error {
	d.SetMaxOpenConns(1)
	if strings.Contains(d.dsn, "mode=memory") || strings.Contains(d.dsn, ":memory:") {
		// An in-memory database is dropped when its last connection closes.
		// See https://github.com/mattn/go-sqlite3#faq
		d.SetMaxIdleConns(1)
		d.SetConnMaxLifetime(0)
		d.SetConnMaxIdleTime(0)
	}

	pragmas := []string{`PRAGMA foreign_keys = ON;`}
	// A busy timeout set with the _pragma DSN parameter takes precedence.
	if !strings.Contains(d.dsn, "busy_timeout") {
		pragmas = append(pragmas, `PRAGMA busy_timeout = 5000;`)
	}
	for _, pragma := range pragmas {
		if _, err := d.Exec(pragma); err != nil {
			return fmt.Errorf("failed configuring SQLite database: %w", err)
		}
	}

	return nil
}

// Init creates the internal ledger, history and lock tables if they don't
// exist. It's safe to call on every run.
func (d *DB) Init(ctx context.Context) error {
	tables, err := queries.Tables(ctx, d, true)
	if err != nil {
		return err
	}
	_, initialized := tables[ledgerTable]

	schema, err := schemaFS.ReadFile(fmt.Sprintf("schema/%s.sql", d.driver))
	if err != nil {
		return fmt.Errorf("failed reading %s schema: %w", d.driver, err)
	}

	if _, err = d.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed creating ledger tables: %w", err)
	}

	if !initialized {
		d.logger.Info("initialized migration ledger")
	}

	return nil
}

// Transact runs fn within a transaction. The transaction is committed only if
// commit is true and fn succeeds, and rolled back otherwise.
func (d *DB) Transact(
	ctx context.Context, commit bool, fn func(ctx context.Context, q migration.Querier) error,
) (rerr error) {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed starting transaction: %w", err)
	}
	defer func() {
		if rerr == nil && commit {
			if err := tx.Commit(); err != nil {
				rerr = fmt.Errorf("failed committing transaction: %w", err)
			}
			return
		}
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			d.logger.Warn("failed rolling back transaction", "error", err)
		}
	}()

	return fn(ctx, tx)
}

// Bind returns a Querier that runs queries with q, using the driver of this
// database. It's used to run the ledger queries within migration transactions.
func (d *DB) Bind(q migration.Querier) types.Querier {
	if tq, ok := q.(types.Querier); ok {
		return tq
	}
	return boundQuerier{Querier: q, d: d}
}

// Driver returns the database driver.
func (d *DB) Driver() types.Driver {
	return d.driver
}

// TimeNow returns the current system time.
func (d *DB) TimeNow() time.Time {
	return d.timeNow()
}

type boundQuerier struct {
	migration.Querier
	d *DB
}

func (b boundQuerier) Driver() types.Driver {
	return b.d.driver
}

func (b boundQuerier) TimeNow() time.Time {
	return b.d.timeNow()
}
