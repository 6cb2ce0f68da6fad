package cli

import (
	"fmt"

	actx "go.hackfix.me/shift/app/context"
	aerrors "go.hackfix.me/shift/app/errors"
	"go.hackfix.me/shift/migration"
)

// The Validate command checks the migration set without connecting to the
// database.
type Validate struct{}

// Run the validate command.
func (c *Validate) Run(appCtx *actx.Context) error {
	catalog, err := loadCatalog(appCtx)
	if err != nil {
		return err
	}

	res := migration.Validate(catalog.Definitions())
	if !res.OK() {
		return runError(res.Err())
	}

	_, err = fmt.Fprintf(appCtx.Stdout, "%d migration(s) are valid\n", catalog.Len())
	if err != nil {
		return aerrors.NewRuntimeError("failed writing to stdout", err, "")
	}

	return nil
}
