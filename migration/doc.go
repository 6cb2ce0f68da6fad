// Package migration implements ordered, reversible schema migrations.
//
// Features:
//   - Migrations are identified by a positive number and a slug description,
//     with IDs in the form `{number}_{description}`
//   - Definitions are loaded from SQL files (`{id}.sql`, with `-- shift:up` and
//     `-- shift:down` sections) or registered from Go code in a Catalog
//   - The whole migration set is validated before anything is executed
//   - A Ledger records which migrations were applied, when and by whom
//   - A Lock ensures only one Runner executes migrations at a time
//   - Runs can be simulated (dry-run) within transactions that are always
//     rolled back
//
// The Ledger, Locker and Executor are interfaces, so the Runner can be used
// with any backing store. The db package provides SQL implementations, and the
// mock package in-memory ones.
package migration
