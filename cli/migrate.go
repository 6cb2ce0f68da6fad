package cli

import (
	"errors"
	"fmt"

	actx "go.hackfix.me/shift/app/context"
	aerrors "go.hackfix.me/shift/app/errors"
	"go.hackfix.me/shift/db"
	"go.hackfix.me/shift/migration"
)

// loadCatalog reads the migration files from the configured directory.
func loadCatalog(appCtx *actx.Context) (*migration.Catalog, error) {
	dir := appCtx.Config.Migrations.Dir.V
	catalog := migration.NewCatalog()
	if err := catalog.LoadDir(appCtx.FS, dir); err != nil {
		return nil, aerrors.NewRuntimeError(
			fmt.Sprintf("failed loading migrations from %s", dir), err,
			"check that each migration is a valid SQL file in UTF-8",
		)
	}

	return catalog, nil
}

// newRunner returns a Runner backed by the application database.
func newRunner(appCtx *actx.Context, catalog *migration.Catalog) (*migration.Runner, error) {
	if appCtx.DB == nil {
		panic("the database wasn't initialized")
	}

	opts := []migration.Option{
		migration.WithLogger(appCtx.Logger),
		migration.WithOperator(appCtx.Operator()),
		migration.WithLockTTL(appCtx.Config.Lock.TTL.V),
		migration.WithLockWait(appCtx.Config.Lock.Wait.V),
	}
	if appCtx.TimeNow != nil {
		opts = append(opts, migration.WithTimeNow(appCtx.TimeNow))
	}

	runner, err := migration.NewRunner(catalog,
		db.NewLedger(appCtx.DB),
		db.NewLocker(appCtx.DB, appCtx.Config.Lock.Name.V),
		appCtx.DB,
		opts...,
	)
	if err != nil {
		return nil, aerrors.NewRuntimeError("failed creating migration runner", err, "")
	}

	return runner, nil
}

// runError converts a migration run error into a RuntimeError with a hint
// depending on its kind.
func runError(err error) error {
	var (
		valErr     *migration.ValidationError
		lockErr    *migration.LockHeldError
		execErr    *migration.ExecutionError
		unknownErr *migration.UnknownMigrationError
	)
	switch {
	case errors.As(err, &valErr):
		return aerrors.NewRuntimeError("invalid migrations", err,
			"fix the listed problems and run again; nothing was executed")
	case errors.As(err, &lockErr):
		return aerrors.NewRuntimeError("migrations are being run elsewhere", err,
			"wait for the other run to finish, or use --lock-wait")
	case errors.As(err, &execErr):
		msg := fmt.Sprintf("migration '%s' failed", execErr.ID)
		hint := "fix the migration and run again to resume from it"
		if execErr.DryRun {
			msg = "[dry-run] simulated " + msg
			hint = "no changes were made"
		}
		return aerrors.With(aerrors.NewRuntimeError(msg, execErr.Err, hint),
			"direction", execErr.Direction)
	case errors.As(err, &unknownErr):
		return aerrors.NewRuntimeError("unknown migrations", err,
			"use the 'status' command to list all migration IDs")
	case errors.Is(err, migration.ErrUnboundedRollback):
		return aerrors.NewRuntimeError("failed rolling back migrations", err,
			"pass the IDs to roll back with --only")
	default:
		return aerrors.NewRuntimeError("failed running migrations", err, "")
	}
}
