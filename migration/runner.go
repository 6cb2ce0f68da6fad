package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the state of a migration run.
type State string

const (
	StateIdle         State = "IDLE"
	StateLockAcquired State = "LOCK_ACQUIRED"
	StateValidating   State = "VALIDATING"
	StateExecuting    State = "EXECUTING"
	StateLockReleased State = "LOCK_RELEASED"
	StateFailed       State = "FAILED"
)

// RunOptions controls a single migration run.
type RunOptions struct {
	// DryRun simulates the run. Procedures are executed within transactions
	// that are always rolled back, and the ledger is never updated.
	DryRun bool
	// Only restricts the run to the given migration IDs. It is required for
	// Down runs.
	Only []string
	// Direction is Up if unset.
	Direction Direction
}

// Report is the outcome of a migration run.
type Report struct {
	RunID     string
	Direction Direction
	DryRun    bool
	State     State
	// Succeeded are the migrations that were executed (or simulated)
	// successfully, in execution order.
	Succeeded []*Record
	// Failed is the migration that stopped the run, if any.
	Failed *Record
	// NotAttempted are the candidates that weren't executed because of an
	// earlier failure or cancellation.
	NotAttempted []*Record
}

// Runner applies and reverts migrations. Migrations within a run are always
// executed sequentially, since later migrations may depend on the effects of
// earlier ones. Concurrent Runners, e.g. on different hosts, are serialized by
// the Locker.
type Runner struct {
	catalog *Catalog
	ledger  Ledger
	locker  Locker
	exec    Executor

	logger   *slog.Logger
	timeNow  func() time.Time
	operator string
	lockTTL  time.Duration
	lockWait time.Duration
	newRunID func() string
}

// NewRunner returns a new Runner instance.
func NewRunner(catalog *Catalog, ledger Ledger, locker Locker, exec Executor, opts ...Option) (*Runner, error) {
	switch {
	case catalog == nil:
		return nil, errors.New("migration catalog is required")
	case ledger == nil:
		return nil, errors.New("migration ledger is required")
	case locker == nil:
		return nil, errors.New("migration locker is required")
	case exec == nil:
		return nil, errors.New("migration executor is required")
	}

	r := &Runner{catalog: catalog, ledger: ledger, locker: locker, exec: exec}

	opts = append(DefaultOptions(), opts...)
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Run executes the pending migrations, or reverts the applied ones, according
// to opts. The returned report is never nil, and describes which migrations
// succeeded, failed or weren't attempted even if an error is returned.
//
// The run stops at the first failure. The failed migration isn't recorded in
// the ledger, so running again after fixing it resumes from the same point.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (report *Report, rerr error) {
	if opts.Direction == "" {
		opts.Direction = Up
	}
	report = &Report{
		RunID:     r.newRunID(),
		Direction: opts.Direction,
		DryRun:    opts.DryRun,
		State:     StateIdle,
	}
	logger := r.logger.With("run_id", report.RunID, "direction", opts.Direction, "dry_run", opts.DryRun)

	fail := func(err error) (*Report, error) {
		r.setState(report, StateFailed, logger)
		return report, err
	}

	switch opts.Direction {
	case Up:
	case Down:
		if len(opts.Only) == 0 {
			return fail(ErrUnboundedRollback)
		}
	default:
		return fail(fmt.Errorf("invalid direction '%s'", opts.Direction))
	}

	lock, err := r.acquireLock(ctx, logger)
	if err != nil {
		return fail(err)
	}
	r.setState(report, StateLockAcquired, logger)

	stopKeepAlive := r.keepAlive(ctx, lock, logger)
	defer func() {
		stopKeepAlive()
		// The lock must be released even if the run was cancelled.
		err := r.locker.Release(context.WithoutCancel(ctx), lock)
		if err != nil {
			logger.Warn("failed releasing migration lock", "error", err)
			if rerr == nil {
				rerr = fmt.Errorf("failed releasing migration lock: %w", err)
				r.setState(report, StateFailed, logger)
				return
			}
		}
		if report.State != StateFailed {
			r.setState(report, StateLockReleased, logger)
		}
	}()

	r.setState(report, StateValidating, logger)
	if res := Validate(r.catalog.Definitions()); !res.OK() {
		return fail(res.Err())
	}

	applied, err := r.ledger.Applied(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed reading migration ledger: %w", err))
	}
	r.checkDrift(applied, logger)

	candidates, err := r.plan(applied, opts)
	if err != nil {
		return fail(err)
	}

	r.setState(report, StateExecuting, logger)
	if len(candidates) == 0 {
		logger.Info("no migrations to run")
		return report, nil
	}

	executeAll := func(ctx context.Context, q Querier) error {
		for i, def := range candidates {
			if err := ctx.Err(); err != nil {
				report.NotAttempted = records(candidates[i:], opts.Direction)
				return fmt.Errorf("migration run interrupted: %w", err)
			}

			rec, err := r.execute(ctx, q, def, opts, report.RunID, logger)
			if err != nil {
				report.Failed = rec
				report.NotAttempted = records(candidates[i+1:], opts.Direction)
				return err
			}
			report.Succeeded = append(report.Succeeded, rec)
		}
		return nil
	}

	if opts.DryRun {
		// A dry run is simulated within a single transaction, so that each
		// migration sees the effects of the previous ones.
		err = r.exec.Transact(ctx, false, executeAll)
		if err != nil && report.Failed == nil && report.NotAttempted == nil {
			report.NotAttempted = records(candidates[len(report.Succeeded):], opts.Direction)
		}
	} else {
		err = executeAll(ctx, nil)
	}
	if err != nil {
		return fail(err)
	}

	return report, nil
}

// Pending returns the migrations that haven't been applied, in the order
// they would be executed.
func (r *Runner) Pending(ctx context.Context) ([]*Definition, error) {
	applied, err := r.ledger.Applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed reading migration ledger: %w", err)
	}
	return r.plan(applied, RunOptions{Direction: Up})
}

// plan selects and orders the candidates of a run.
func (r *Runner) plan(applied map[string]Entry, opts RunOptions) ([]*Definition, error) {
	only := make(map[string]struct{}, len(opts.Only))
	var unknown []string
	for _, id := range opts.Only {
		if _, ok := r.catalog.Lookup(id); !ok {
			unknown = append(unknown, id)
		}
		only[id] = struct{}{}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return nil, &UnknownMigrationError{IDs: slices.Compact(unknown)}
	}

	defs := r.catalog.Definitions()
	sortDefinitions(defs, opts.Direction)

	candidates := make([]*Definition, 0, len(defs))
	for _, def := range defs {
		if len(only) > 0 {
			if _, ok := only[def.ID]; !ok {
				continue
			}
		}
		_, isApplied := applied[def.ID]
		if (opts.Direction == Up) == isApplied {
			continue
		}
		candidates = append(candidates, def)
	}

	return candidates, nil
}

// execute runs a single migration procedure. In a real run the ledger
// transition is recorded in the same transaction as the procedure. In a dry
// run the procedure runs against dryTx, and the ledger isn't touched.
func (r *Runner) execute(
	ctx context.Context, dryTx Querier, def *Definition, opts RunOptions, runID string, logger *slog.Logger,
) (*Record, error) {
	logger = logger.With("migration_id", def.ID)
	rec := newRecord(def, opts.Direction)

	logger.Info("running migration")
	start := r.timeNow()
	var procErr error
	run := func(ctx context.Context, q Querier) error {
		if procErr = def.Procedure(opts.Direction)(ctx, q); procErr != nil {
			return procErr
		}
		if opts.DryRun {
			return nil
		}

		now := r.timeNow()
		dur := now.Sub(start)
		if opts.Direction == Up {
			return r.ledger.RecordApplied(ctx, q, Entry{
				ID:        def.ID,
				Number:    def.Number,
				Checksum:  def.Checksum,
				AppliedAt: now,
				AppliedBy: r.operator,
				Duration:  dur,
				RunID:     runID,
			})
		}
		return r.ledger.RecordRolledBack(ctx, q, Event{
			ID:       def.ID,
			Action:   ActionRollback,
			At:       now,
			By:       r.operator,
			Duration: dur,
			RunID:    runID,
		})
	}

	var err error
	if opts.DryRun {
		err = run(ctx, dryTx)
	} else {
		err = r.exec.Transact(ctx, true, run)
	}
	end := r.timeNow()
	rec.Duration = end.Sub(start)

	if err != nil {
		if procErr == nil {
			logger.Error("failed recording migration", "error", err)
		}
		rec.Status = StatusFailed
		return rec, &ExecutionError{ID: def.ID, Direction: opts.Direction, DryRun: opts.DryRun, Err: err}
	}

	if !opts.DryRun {
		switch opts.Direction {
		case Up:
			rec.Status = StatusApplied
			rec.AppliedAt.V, rec.AppliedAt.Valid = end, true
			rec.AppliedBy = r.operator
		case Down:
			rec.Status = StatusRolledBack
		}
	}
	logger.Info("migration completed", "duration", rec.Duration)

	return rec, nil
}

// acquireLock obtains the migration lock, waiting up to lockWait for another
// holder to release it.
func (r *Runner) acquireLock(ctx context.Context, logger *slog.Logger) (*Lock, error) {
	if r.lockWait == 0 {
		return r.locker.Acquire(ctx, r.operator, r.lockTTL) //nolint:wrapcheck // Errors are typed.
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = r.lockWait
	b.Reset()

	var lock *Lock
	err := backoff.Retry(func() error {
		l, err := r.locker.Acquire(ctx, r.operator, r.lockTTL)
		if err != nil {
			var heldErr *LockHeldError
			if errors.As(err, &heldErr) {
				logger.Info("waiting for migration lock", "holder", heldErr.Holder)
				return err
			}
			return backoff.Permanent(err)
		}
		lock = l
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err //nolint:wrapcheck // Errors are typed.
	}

	return lock, nil
}

// keepAlive periodically refreshes the lock until the returned function is
// called, so that long runs don't lose it.
func (r *Runner) keepAlive(ctx context.Context, lock *Lock, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(r.lockTTL/3, time.Millisecond))
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := r.locker.Refresh(ctx, lock, r.lockTTL); err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Warn("failed refreshing migration lock", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

// checkDrift warns about applied migrations whose body changed since they
// were applied.
func (r *Runner) checkDrift(applied map[string]Entry, logger *slog.Logger) {
	for _, def := range r.catalog.Sorted() {
		entry, ok := applied[def.ID]
		if ok && entry.Checksum != "" && entry.Checksum != def.Checksum {
			logger.Warn("applied migration was modified",
				"migration_id", def.ID,
				"applied_checksum", entry.Checksum,
				"current_checksum", def.Checksum,
			)
		}
	}
}

func (r *Runner) setState(report *Report, state State, logger *slog.Logger) {
	logger.Debug("migration run state changed", "from", report.State, "to", state)
	report.State = state
}

// newRecord returns the record of a run candidate before it's executed.
func newRecord(def *Definition, dir Direction) *Record {
	rec := NewRecord(def)
	if dir == Down {
		rec.Status = StatusApplied
	}
	return rec
}

func records(defs []*Definition, dir Direction) []*Record {
	recs := make([]*Record, len(defs))
	for i, def := range defs {
		recs[i] = newRecord(def, dir)
	}
	return recs
}
