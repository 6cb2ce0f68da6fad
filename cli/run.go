package cli

import (
	"fmt"
	"io"
	"time"

	actx "go.hackfix.me/shift/app/context"
	aerrors "go.hackfix.me/shift/app/errors"
	"go.hackfix.me/shift/migration"
	"go.hackfix.me/shift/xtime"
)

// The Run command applies pending migrations in numeric order, or rolls back
// the given applied migrations in reverse order.
type Run struct {
	DryRun bool     `help:"Simulate the run. Changes are always rolled back, and the ledger isn't updated."`
	Only   []string `help:"Only run the migrations with these IDs." placeholder:"ID"`
	Down   bool     `help:"Roll back applied migrations instead of applying them. Requires --only."`
}

// Run the run command.
func (c *Run) Run(appCtx *actx.Context) error {
	catalog, err := loadCatalog(appCtx)
	if err != nil {
		return err
	}

	runner, err := newRunner(appCtx, catalog)
	if err != nil {
		return err
	}

	opts := migration.RunOptions{DryRun: c.DryRun, Only: c.Only, Direction: migration.Up}
	if c.Down {
		opts.Direction = migration.Down
	}

	report, runErr := runner.Run(appCtx.Ctx, opts)
	if err = printReport(appCtx.Stdout, report, runErr == nil); err != nil {
		return aerrors.NewRuntimeError("failed writing to stdout", err, "")
	}
	if runErr != nil {
		return runError(runErr)
	}

	return nil
}

func printReport(w io.Writer, report *migration.Report, ok bool) error {
	prefix := ""
	if report.DryRun {
		prefix = "[dry-run] "
	}

	if ok && len(report.Succeeded) == 0 {
		_, err := fmt.Fprintf(w, "%sno migrations to run\n", prefix)
		return err
	}

	done := "applied"
	if report.Direction == migration.Down {
		done = "rolled back"
	}
	if report.DryRun {
		done = fmt.Sprintf("simulated %s", report.Direction)
	}

	for _, rec := range report.Succeeded {
		_, err := fmt.Fprintf(w, "%s%s %s (%s)\n",
			prefix, done, rec.ID, xtime.FormatDuration(rec.Duration, time.Millisecond))
		if err != nil {
			return err
		}
	}
	if rec := report.Failed; rec != nil {
		_, err := fmt.Fprintf(w, "%sfailed %s (%s)\n",
			prefix, rec.ID, xtime.FormatDuration(rec.Duration, time.Millisecond))
		if err != nil {
			return err
		}
	}
	for _, rec := range report.NotAttempted {
		if _, err := fmt.Fprintf(w, "%snot attempted %s\n", prefix, rec.ID); err != nil {
			return err
		}
	}

	return nil
}
