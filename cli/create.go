package cli

import (
	"errors"
	"fmt"
	"strings"

	actx "go.hackfix.me/shift/app/context"
	aerrors "go.hackfix.me/shift/app/errors"
	"go.hackfix.me/shift/migration"
)

// The Create command writes a new, empty migration file numbered after the
// existing migrations.
type Create struct {
	Description []string `arg:"" help:"Description of the change, e.g. 'add user preferences field'."`
}

// Run the create command.
func (c *Create) Run(appCtx *actx.Context) error {
	catalog, err := loadCatalog(appCtx)
	if err != nil {
		return err
	}

	gen := migration.NewGenerator(appCtx.FS, appCtx.Config.Migrations.Dir.V,
		catalog, appCtx.Operator(), appCtx.TimeNow)
	rec, err := gen.Create(strings.Join(c.Description, " "))
	if err != nil {
		var (
			dupErr  *migration.DuplicateMigrationError
			descErr *migration.InvalidDescriptionError
		)
		switch {
		case errors.As(err, &dupErr):
			return aerrors.NewRuntimeError("failed creating migration", err,
				"use a different description")
		case errors.As(err, &descErr):
			return aerrors.NewRuntimeError("failed creating migration", err,
				"the description must contain at least one letter or digit")
		default:
			return aerrors.NewRuntimeError("failed creating migration", err, "")
		}
	}

	appCtx.Logger.Debug("created migration", "migration_id", rec.ID, "number", rec.Number)

	if _, err = fmt.Fprintln(appCtx.Stdout, rec.FilePath); err != nil {
		return aerrors.NewRuntimeError("failed writing to stdout", err, "")
	}

	return nil
}
