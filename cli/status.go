package cli

import (
	"cmp"
	"slices"
	"time"

	actx "go.hackfix.me/shift/app/context"
	aerrors "go.hackfix.me/shift/app/errors"
	"go.hackfix.me/shift/db"
	"go.hackfix.me/shift/migration"
)

// statusMissing is shown for ledger entries whose migration file is gone.
const statusMissing = "MISSING"

// The Status command shows every known migration together with its ledger
// state.
type Status struct{}

// Run the status command.
func (c *Status) Run(appCtx *actx.Context) error {
	catalog, err := loadCatalog(appCtx)
	if err != nil {
		return err
	}

	applied, err := db.NewLedger(appCtx.DB).Applied(appCtx.Ctx)
	if err != nil {
		return aerrors.NewRuntimeError("failed reading migration ledger", err, "")
	}

	type row struct {
		number int
		cells  []string
	}
	rows := make([]row, 0, catalog.Len()+len(applied))

	for _, def := range catalog.Sorted() {
		cells := []string{def.ID, string(migration.StatusPending), "", "", ""}
		if entry, ok := applied[def.ID]; ok {
			cells[1] = string(migration.StatusApplied)
			cells[2] = entry.AppliedAt.UTC().Format(time.RFC3339)
			cells[3] = entry.AppliedBy
			if entry.Checksum != "" && entry.Checksum != def.Checksum {
				cells[4] = "modified"
			}
		}
		rows = append(rows, row{number: def.Number, cells: cells})
	}

	for id, entry := range applied {
		if _, ok := catalog.Lookup(id); ok {
			continue
		}
		rows = append(rows, row{number: entry.Number, cells: []string{
			id, statusMissing, entry.AppliedAt.UTC().Format(time.RFC3339), entry.AppliedBy, "",
		}})
	}

	slices.SortFunc(rows, func(a, b row) int {
		return cmp.Or(cmp.Compare(a.number, b.number), cmp.Compare(a.cells[0], b.cells[0]))
	})

	data := make([][]string, len(rows))
	for i, r := range rows {
		data[i] = r.cells
	}

	lock, err := db.NewLocker(appCtx.DB, appCtx.Config.Lock.Name.V).Holder(appCtx.Ctx)
	if err != nil {
		return aerrors.NewRuntimeError("failed reading migration lock", err, "")
	}
	if lock != nil && appCtx.TimeNow().Before(lock.ExpiresAt) {
		appCtx.Logger.Info("migrations are being run",
			"holder", lock.Holder, "expires_at", lock.ExpiresAt.Format(time.RFC3339))
	}

	if len(data) == 0 {
		return nil
	}

	err = renderTable(appCtx.Stdout, []string{"ID", "STATUS", "APPLIED AT", "APPLIED BY", "DRIFT"}, data)
	if err != nil {
		return aerrors.NewRuntimeError("failed rendering status table", err, "")
	}

	return nil
}
