// Package mock provides in-memory implementations of the migration storage
// interfaces, for use in tests.
package mock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nrednav/cuid2"

	"go.hackfix.me/shift/migration"
)

// Ledger is an in-memory migration.Ledger. Writes made through a *Tx are only
// visible once the transaction is committed.
type Ledger struct {
	mx      sync.Mutex
	entries map[string]migration.Entry
	events  []migration.Event
	failErr error // to simulate errors
}

var _ migration.Ledger = &Ledger{}

// NewLedger returns a new empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]migration.Entry)}
}

func (l *Ledger) Applied(_ context.Context) (map[string]migration.Entry, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.failErr != nil {
		return nil, l.failErr
	}
	return maps.Clone(l.entries), nil
}

func (l *Ledger) RecordApplied(_ context.Context, q migration.Querier, e migration.Entry) error {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.failErr != nil {
		return l.failErr
	}
	if _, ok := l.entries[e.ID]; ok {
		return &migration.AlreadyAppliedError{ID: e.ID}
	}

	apply := func() {
		l.entries[e.ID] = e
		l.events = append(l.events, migration.Event{
			ID: e.ID, Action: migration.ActionApply, At: e.AppliedAt,
			By: e.AppliedBy, Duration: e.Duration, RunID: e.RunID,
		})
	}
	l.write(q, apply)

	return nil
}

func (l *Ledger) RecordRolledBack(_ context.Context, q migration.Querier, ev migration.Event) error {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.failErr != nil {
		return l.failErr
	}
	if _, ok := l.entries[ev.ID]; !ok {
		return &migration.NotAppliedError{ID: ev.ID}
	}

	l.write(q, func() {
		delete(l.entries, ev.ID)
		l.events = append(l.events, ev)
	})

	return nil
}

func (l *Ledger) History(_ context.Context) ([]migration.Event, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.failErr != nil {
		return nil, l.failErr
	}
	return slices.Clone(l.events), nil
}

// Set records the entries as applied, without history events.
func (l *Ledger) Set(entries ...migration.Entry) {
	l.mx.Lock()
	defer l.mx.Unlock()
	for _, e := range entries {
		l.entries[e.ID] = e
	}
}

// IDs returns the IDs of all applied migrations, sorted.
func (l *Ledger) IDs() []string {
	l.mx.Lock()
	defer l.mx.Unlock()
	return slices.Sorted(maps.Keys(l.entries))
}

func (l *Ledger) SetFailError(err error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.failErr = err
}

// write must be called with l.mx held.
func (l *Ledger) write(q migration.Querier, fn func()) {
	tx, ok := q.(*Tx)
	if !ok {
		fn()
		return
	}
	tx.onCommit = append(tx.onCommit, func() {
		l.mx.Lock()
		defer l.mx.Unlock()
		fn()
	})
}

// Locker is an in-memory migration.Locker. A single instance should be shared
// by all Runners that must be serialized.
type Locker struct {
	mx      sync.Mutex
	current *migration.Lock
	timeNow func() time.Time
	failErr error // to simulate errors

	// Acquired counts the successful acquisitions.
	Acquired int
}

var _ migration.Locker = &Locker{}

// NewLocker returns a new Locker that uses timeNow to expire locks.
func NewLocker(timeNow func() time.Time) *Locker {
	return &Locker{timeNow: timeNow}
}

func (l *Locker) Acquire(_ context.Context, holder string, ttl time.Duration) (*migration.Lock, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.failErr != nil {
		return nil, l.failErr
	}

	now := l.timeNow()
	if l.current != nil && now.Before(l.current.ExpiresAt) {
		return nil, &migration.LockHeldError{
			Holder:     l.current.Holder,
			AcquiredAt: l.current.AcquiredAt,
			ExpiresAt:  l.current.ExpiresAt,
		}
	}

	l.current = &migration.Lock{
		Holder:     holder,
		Token:      cuid2.Generate(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	l.Acquired++
	lock := *l.current

	return &lock, nil
}

func (l *Locker) Refresh(_ context.Context, lock *migration.Lock, ttl time.Duration) error {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.failErr != nil {
		return l.failErr
	}
	if !l.holds(lock) {
		return migration.ErrLockLost
	}
	l.current.ExpiresAt = l.timeNow().Add(ttl)
	lock.ExpiresAt = l.current.ExpiresAt
	return nil
}

func (l *Locker) Release(_ context.Context, lock *migration.Lock) error {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.failErr != nil {
		return l.failErr
	}
	if !l.holds(lock) {
		return migration.ErrLockLost
	}
	l.current = nil
	return nil
}

// Held returns a copy of the current lock, if any, regardless of expiration.
func (l *Locker) Held() (migration.Lock, bool) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.current == nil {
		return migration.Lock{}, false
	}
	return *l.current, true
}

// Steal replaces the current lock, simulating another holder reclaiming it.
func (l *Locker) Steal(holder string, ttl time.Duration) {
	l.mx.Lock()
	defer l.mx.Unlock()
	now := l.timeNow()
	l.current = &migration.Lock{
		Holder: holder, Token: cuid2.Generate(), AcquiredAt: now, ExpiresAt: now.Add(ttl),
	}
}

func (l *Locker) SetFailError(err error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.failErr = err
}

func (l *Locker) holds(lock *migration.Lock) bool {
	return l.current != nil && lock != nil && l.current.Token == lock.Token
}

// Executor is an in-memory migration.Executor. It records the statements
// executed in each transaction.
type Executor struct {
	mx         sync.Mutex
	committed  []*Tx
	rolledBack []*Tx
	failOn     map[string]error
	failErr    error // to simulate errors
}

var _ migration.Executor = &Executor{}

// NewExecutor returns a new Executor.
func NewExecutor() *Executor {
	return &Executor{failOn: make(map[string]error)}
}

func (e *Executor) Transact(
	ctx context.Context, commit bool, fn func(ctx context.Context, q migration.Querier) error,
) error {
	e.mx.Lock()
	if e.failErr != nil {
		e.mx.Unlock()
		return e.failErr
	}
	tx := &Tx{failOn: maps.Clone(e.failOn)}
	e.mx.Unlock()

	err := tx.run(ctx, fn)

	e.mx.Lock()
	defer e.mx.Unlock()
	if err != nil || !commit {
		e.rolledBack = append(e.rolledBack, tx)
		return err
	}
	for _, fn := range tx.onCommit {
		fn()
	}
	e.committed = append(e.committed, tx)

	return nil
}

// FailOn makes any statement containing substr fail with err.
func (e *Executor) FailOn(substr string, err error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.failOn[substr] = err
}

// Committed returns the statements of all committed transactions.
func (e *Executor) Committed() []string {
	e.mx.Lock()
	defer e.mx.Unlock()
	return statements(e.committed)
}

// RolledBack returns the statements of all rolled back transactions.
func (e *Executor) RolledBack() []string {
	e.mx.Lock()
	defer e.mx.Unlock()
	return statements(e.rolledBack)
}

func (e *Executor) SetFailError(err error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.failErr = err
}

func statements(txs []*Tx) []string {
	var stmts []string
	for _, tx := range txs {
		stmts = append(stmts, tx.Statements...)
	}
	return stmts
}

// Tx is the migration.Querier passed to procedures by the Executor. It only
// supports executing statements.
type Tx struct {
	Statements []string
	failOn     map[string]error
	onCommit   []func()
	queriedRow bool
}

// run calls fn with the transaction. Using the nil *sql.Row returned by
// QueryRowContext makes fn panic, which is reported as ErrUnsupported.
func (t *Tx) run(ctx context.Context, fn func(ctx context.Context, q migration.Querier) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if !t.queriedRow {
				panic(r)
			}
			err = fmt.Errorf("%w: QueryRowContext", ErrUnsupported)
		}
	}()

	if err = fn(ctx, t); err == nil && t.queriedRow {
		err = fmt.Errorf("%w: QueryRowContext", ErrUnsupported)
	}

	return err
}

var _ migration.Querier = &Tx{}

// ErrUnsupported is returned by the Tx query methods.
var ErrUnsupported = errors.New("queries are not supported by the mock executor")

func (t *Tx) ExecContext(ctx context.Context, query string, _ ...any) (sql.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for substr, err := range t.failOn {
		if strings.Contains(query, substr) {
			return nil, err
		}
	}
	t.Statements = append(t.Statements, strings.TrimSpace(query))
	return driver.RowsAffected(0), nil
}

func (t *Tx) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, ErrUnsupported
}

// QueryRowContext always returns nil, since *sql.Row can't be constructed
// outside of database/sql. The transaction then fails with ErrUnsupported,
// instead of panicking when the row is scanned.
func (t *Tx) QueryRowContext(_ context.Context, _ string, _ ...any) *sql.Row {
	t.queriedRow = true
	return nil
}
