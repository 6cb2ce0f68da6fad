package migration

import (
	"context"
	"database/sql"
	"time"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Direction is the direction in which migrations are executed.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Status is the lifecycle state of a migration.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusApplied    Status = "APPLIED"
	StatusFailed     Status = "FAILED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// Querier is the query handle migration procedures run against. It's usually
// a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Procedure is the body of an up or down migration.
type Procedure func(ctx context.Context, q Querier) error

// Definition is a single migration known to the Catalog.
type Definition struct {
	// ID is the canonical identifier, {Number}_{Description}. It is derived
	// from Number and Description on registration if left empty.
	ID          string
	Number      int
	Description string
	// FilePath is the path of the SQL file the definition was loaded from.
	// It's empty for migrations registered from Go code.
	FilePath string
	Up       Procedure
	Down     Procedure
	// Checksum identifies the migration body at the time it was loaded.
	Checksum string
}

// Procedure returns the definition's procedure for the given direction.
func (d *Definition) Procedure(dir Direction) Procedure {
	if dir == Down {
		return d.Down
	}
	return d.Up
}

// Record is the view of a migration combined with its ledger state.
type Record struct {
	ID          string
	Number      int
	Description string
	FilePath    string
	AppliedAt   sql.Null[time.Time]
	AppliedBy   string
	Duration    time.Duration
	Status      Status
}

// NewRecord returns a pending record for the definition.
func NewRecord(d *Definition) *Record {
	return &Record{
		ID:          d.ID,
		Number:      d.Number,
		Description: d.Description,
		FilePath:    d.FilePath,
		Status:      StatusPending,
	}
}

// Checksum returns a short, stable digest of a migration body.
func Checksum(body []byte) string {
	sum := blake2b.Sum256(body)
	return base58.Encode(sum[:])
}
