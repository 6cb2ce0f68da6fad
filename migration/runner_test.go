package migration_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.hackfix.me/shift/migration"
	"go.hackfix.me/shift/migration/mock"
)

// tracker builds migration definitions whose procedures record their
// executions, and optionally fail.
type tracker struct {
	mx       sync.Mutex
	executed []string
	fail     map[string]error
}

func newTracker() *tracker {
	return &tracker{fail: make(map[string]error)}
}

func (tr *tracker) def(number int, desc string) *migration.Definition {
	id := fmt.Sprintf("%d_%s", number, desc)
	proc := func(dir migration.Direction) migration.Procedure {
		return func(ctx context.Context, q migration.Querier) error {
			key := fmt.Sprintf("%s:%s", dir, id)
			tr.mx.Lock()
			err := tr.fail[key]
			if err == nil {
				tr.executed = append(tr.executed, key)
			}
			tr.mx.Unlock()
			if err != nil {
				return err
			}
			_, err = q.ExecContext(ctx, key)
			return err
		}
	}
	return &migration.Definition{
		Number: number, Description: desc, Up: proc(migration.Up), Down: proc(migration.Down),
	}
}

func (tr *tracker) setFail(key string, err error) {
	tr.mx.Lock()
	defer tr.mx.Unlock()
	if err == nil {
		delete(tr.fail, key)
		return
	}
	tr.fail[key] = err
}

func (tr *tracker) reset() []string {
	tr.mx.Lock()
	defer tr.mx.Unlock()
	executed := tr.executed
	tr.executed = nil
	return executed
}

type harness struct {
	catalog *migration.Catalog
	ledger  *mock.Ledger
	locker  *mock.Locker
	exec    *mock.Executor
	tracker *tracker
	logs    *syncBuffer
}

func newHarness(defs ...func(tr *tracker) *migration.Definition) *harness {
	h := &harness{
		catalog: migration.NewCatalog(),
		ledger:  mock.NewLedger(),
		locker:  mock.NewLocker(time.Now),
		exec:    mock.NewExecutor(),
		tracker: newTracker(),
		logs:    &syncBuffer{},
	}
	for _, fn := range defs {
		h.catalog.Register(fn(h.tracker))
	}
	return h
}

func (h *harness) runner(t *testing.T, opts ...migration.Option) *migration.Runner {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	opts = append([]migration.Option{
		migration.WithLogger(logger),
		migration.WithOperator("alice"),
	}, opts...)
	r, err := migration.NewRunner(h.catalog, h.ledger, h.locker, h.exec, opts...)
	require.NoError(t, err)
	return r
}

func defs(numbers ...int) []func(tr *tracker) *migration.Definition {
	fns := make([]func(tr *tracker) *migration.Definition, len(numbers))
	for i, n := range numbers {
		fns[i] = func(tr *tracker) *migration.Definition {
			return tr.def(n, fmt.Sprintf("m%d", n))
		}
	}
	return fns
}

func ids(recs []*migration.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

type syncBuffer struct {
	mx  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.String()
}

func TestNewRunner(t *testing.T) {
	t.Parallel()

	cat := migration.NewCatalog()
	ledger, locker, exec := mock.NewLedger(), mock.NewLocker(time.Now), mock.NewExecutor()

	tests := []struct {
		name   string
		fn     func() (*migration.Runner, error)
		expErr string
	}{
		{
			name: "ok/valid",
			fn:   func() (*migration.Runner, error) { return migration.NewRunner(cat, ledger, locker, exec) },
		},
		{
			name:   "err/nil_catalog",
			fn:     func() (*migration.Runner, error) { return migration.NewRunner(nil, ledger, locker, exec) },
			expErr: "migration catalog is required",
		},
		{
			name:   "err/nil_ledger",
			fn:     func() (*migration.Runner, error) { return migration.NewRunner(cat, nil, locker, exec) },
			expErr: "migration ledger is required",
		},
		{
			name:   "err/nil_locker",
			fn:     func() (*migration.Runner, error) { return migration.NewRunner(cat, ledger, nil, exec) },
			expErr: "migration locker is required",
		},
		{
			name:   "err/nil_executor",
			fn:     func() (*migration.Runner, error) { return migration.NewRunner(cat, ledger, locker, nil) },
			expErr: "migration executor is required",
		},
		{
			name: "err/invalid_lock_ttl",
			fn: func() (*migration.Runner, error) {
				return migration.NewRunner(cat, ledger, locker, exec, migration.WithLockTTL(0))
			},
			expErr: "lock TTL must be greater than 0",
		},
		{
			name: "err/invalid_lock_wait",
			fn: func() (*migration.Runner, error) {
				return migration.NewRunner(cat, ledger, locker, exec, migration.WithLockWait(-time.Second))
			},
			expErr: "lock wait must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, err := tt.fn()
			if tt.expErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expErr)
				assert.Nil(t, r)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, r)
			}
		})
	}
}

func TestRunner_RunUp(t *testing.T) {
	t.Parallel()

	t.Run("ok/numeric_order", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(3, 1, 10, 2)...)
		r := h.runner(t, migration.WithRunID(func() string { return "run1" }))

		report, err := r.Run(context.Background(), migration.RunOptions{})
		require.NoError(t, err)

		assert.Equal(t, []string{"up:1_m1", "up:2_m2", "up:3_m3", "up:10_m10"}, h.tracker.reset())
		assert.Equal(t, []string{"1_m1", "2_m2", "3_m3", "10_m10"}, ids(report.Succeeded))
		assert.Equal(t, []string{"10_m10", "1_m1", "2_m2", "3_m3"}, h.ledger.IDs())
		assert.Nil(t, report.Failed)
		assert.Empty(t, report.NotAttempted)
		assert.Equal(t, migration.StateLockReleased, report.State)
		assert.Equal(t, "run1", report.RunID)
		assert.Equal(t, migration.Up, report.Direction)

		for _, rec := range report.Succeeded {
			assert.Equal(t, migration.StatusApplied, rec.Status)
			assert.Equal(t, "alice", rec.AppliedBy)
			assert.True(t, rec.AppliedAt.Valid)
		}

		applied, err := h.ledger.Applied(context.Background())
		require.NoError(t, err)
		entry := applied["2_m2"]
		assert.Equal(t, 2, entry.Number)
		assert.Equal(t, "alice", entry.AppliedBy)
		assert.Equal(t, "run1", entry.RunID)
		def, _ := h.catalog.Lookup("2_m2")
		assert.Equal(t, def.Checksum, entry.Checksum)

		_, held := h.locker.Held()
		assert.False(t, held)
	})

	t.Run("ok/idempotent", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1, 2, 3)...)
		r := h.runner(t)

		_, err := r.Run(context.Background(), migration.RunOptions{})
		require.NoError(t, err)
		h.tracker.reset()

		report, err := r.Run(context.Background(), migration.RunOptions{})
		require.NoError(t, err)
		assert.Empty(t, h.tracker.reset())
		assert.Empty(t, report.Succeeded)
		assert.Equal(t, []string{"1_m1", "2_m2", "3_m3"}, h.ledger.IDs())
		assert.Contains(t, h.logs.String(), "no migrations to run")
	})

	t.Run("ok/pending_only", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1, 2, 3)...)
		h.ledger.Set(migration.Entry{ID: "2_m2", Number: 2})
		r := h.runner(t)

		pending, err := r.Pending(context.Background())
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "1_m1", pending[0].ID)
		assert.Equal(t, "3_m3", pending[1].ID)

		_, err = r.Run(context.Background(), migration.RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"up:1_m1", "up:3_m3"}, h.tracker.reset())
	})

	t.Run("ok/only", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1, 2, 3)...)
		r := h.runner(t)

		report, err := r.Run(context.Background(), migration.RunOptions{Only: []string{"3_m3", "1_m1"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"up:1_m1", "up:3_m3"}, h.tracker.reset())
		assert.Equal(t, []string{"1_m1", "3_m3"}, ids(report.Succeeded))
	})

	t.Run("ok/resume_after_failure", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1, 2, 3)...)
		r := h.runner(t)
		h.tracker.setFail("up:2_m2", errors.New("syntax error"))

		report, err := r.Run(context.Background(), migration.RunOptions{})
		require.Error(t, err)
		assert.EqualError(t, err, "migration '2_m2' (up) failed: syntax error")

		var execErr *migration.ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, "2_m2", execErr.ID)
		assert.False(t, execErr.DryRun)

		assert.Equal(t, migration.StateFailed, report.State)
		assert.Equal(t, []string{"1_m1"}, ids(report.Succeeded))
		require.NotNil(t, report.Failed)
		assert.Equal(t, "2_m2", report.Failed.ID)
		assert.Equal(t, migration.StatusFailed, report.Failed.Status)
		assert.Equal(t, []string{"3_m3"}, ids(report.NotAttempted))
		assert.Equal(t, migration.StatusPending, report.NotAttempted[0].Status)
		assert.Equal(t, []string{"1_m1"}, h.ledger.IDs())
		assert.Equal(t, []string{"up:1_m1"}, h.tracker.reset())

		_, held := h.locker.Held()
		assert.False(t, held)

		h.tracker.setFail("up:2_m2", nil)
		report, err = r.Run(context.Background(), migration.RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"up:2_m2", "up:3_m3"}, h.tracker.reset())
		assert.Equal(t, []string{"2_m2", "3_m3"}, ids(report.Succeeded))
		assert.Equal(t, []string{"1_m1", "2_m2", "3_m3"}, h.ledger.IDs())
	})

	t.Run("ok/dry_run", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1, 2)...)
		r := h.runner(t)

		report, err := r.Run(context.Background(), migration.RunOptions{DryRun: true})
		require.NoError(t, err)
		assert.True(t, report.DryRun)
		assert.Equal(t, []string{"up:1_m1", "up:2_m2"}, h.tracker.reset())
		assert.Equal(t, []string{"1_m1", "2_m2"}, ids(report.Succeeded))
		for _, rec := range report.Succeeded {
			assert.Equal(t, migration.StatusPending, rec.Status)
			assert.False(t, rec.AppliedAt.Valid)
		}

		assert.Empty(t, h.ledger.IDs())
		assert.Empty(t, h.exec.Committed())
		assert.Equal(t, []string{"up:1_m1", "up:2_m2"}, h.exec.RolledBack())

		history, err := h.ledger.History(context.Background())
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("err/dry_run_failure", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1, 2)...)
		h.exec.FailOn("up:2_m2", errors.New("no such table"))
		r := h.runner(t)

		report, err := r.Run(context.Background(), migration.RunOptions{DryRun: true})
		require.Error(t, err)
		assert.EqualError(t, err, "[dry-run] simulated migration '2_m2' (up) failed: no such table")
		assert.Equal(t, "2_m2", report.Failed.ID)
		assert.Empty(t, h.ledger.IDs())
	})

	t.Run("err/validation", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(4, 5, 5, 6)...)
		r := h.runner(t)

		report, err := r.Run(context.Background(), migration.RunOptions{})
		require.Error(t, err)

		var dupErr *migration.DuplicateNumberError
		require.ErrorAs(t, err, &dupErr)
		assert.Equal(t, 5, dupErr.Number)

		assert.Empty(t, h.tracker.reset())
		assert.Empty(t, h.ledger.IDs())
		assert.Empty(t, report.Succeeded)
		assert.Equal(t, migration.StateFailed, report.State)
		_, held := h.locker.Held()
		assert.False(t, held)
	})

	t.Run("err/unknown_only", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1)...)
		r := h.runner(t)

		_, err := r.Run(context.Background(), migration.RunOptions{Only: []string{"9_nope", "1_m1", "9_nope"}})
		require.Error(t, err)
		var unkErr *migration.UnknownMigrationError
		require.ErrorAs(t, err, &unkErr)
		assert.Equal(t, []string{"9_nope"}, unkErr.IDs)
		assert.Empty(t, h.tracker.reset())
	})

	t.Run("err/ledger_read", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1)...)
		h.ledger.SetFailError(errors.New("connection refused"))
		r := h.runner(t)

		_, err := r.Run(context.Background(), migration.RunOptions{})
		assert.EqualError(t, err, "failed reading migration ledger: connection refused")
		_, held := h.locker.Held()
		assert.False(t, held)
	})

	t.Run("err/invalid_direction", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1)...)
		r := h.runner(t)

		_, err := r.Run(context.Background(), migration.RunOptions{Direction: "sideways"})
		assert.EqualError(t, err, "invalid direction 'sideways'")
		assert.Equal(t, 0, h.locker.Acquired)
	})
}

func TestRunner_RunDown(t *testing.T) {
	t.Parallel()

	t.Run("ok/reverse_order", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1, 2, 3)...)
		r := h.runner(t)
		_, err := r.Run(context.Background(), migration.RunOptions{})
		require.NoError(t, err)
		h.tracker.reset()

		report, err := r.Run(context.Background(), migration.RunOptions{
			Direction: migration.Down,
			Only:      []string{"2_m2", "3_m3"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"down:3_m3", "down:2_m2"}, h.tracker.reset())
		assert.Equal(t, []string{"1_m1"}, h.ledger.IDs())
		for _, rec := range report.Succeeded {
			assert.Equal(t, migration.StatusRolledBack, rec.Status)
		}

		history, err := h.ledger.History(context.Background())
		require.NoError(t, err)
		require.Len(t, history, 5)
		actions := make([]string, len(history))
		for i, ev := range history {
			actions[i] = fmt.Sprintf("%s:%s", ev.Action, ev.ID)
		}
		assert.Equal(t, []string{
			"apply:1_m1", "apply:2_m2", "apply:3_m3", "rollback:3_m3", "rollback:2_m2",
		}, actions)
		assert.Equal(t, "alice", history[4].By)
	})

	t.Run("ok/not_applied_skipped", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1, 2)...)
		h.ledger.Set(migration.Entry{ID: "1_m1", Number: 1})
		r := h.runner(t)

		report, err := r.Run(context.Background(), migration.RunOptions{
			Direction: migration.Down,
			Only:      []string{"1_m1", "2_m2"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"down:1_m1"}, h.tracker.reset())
		assert.Equal(t, []string{"1_m1"}, ids(report.Succeeded))
		assert.Empty(t, h.ledger.IDs())
	})

	t.Run("err/unbounded", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1)...)
		h.ledger.Set(migration.Entry{ID: "1_m1", Number: 1})
		r := h.runner(t)

		report, err := r.Run(context.Background(), migration.RunOptions{Direction: migration.Down})
		require.ErrorIs(t, err, migration.ErrUnboundedRollback)
		assert.Equal(t, migration.StateFailed, report.State)
		assert.Equal(t, 0, h.locker.Acquired)
		assert.Equal(t, []string{"1_m1"}, h.ledger.IDs())
	})

	t.Run("err/failure", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1, 2, 3)...)
		h.ledger.Set(
			migration.Entry{ID: "1_m1", Number: 1},
			migration.Entry{ID: "2_m2", Number: 2},
			migration.Entry{ID: "3_m3", Number: 3},
		)
		h.tracker.setFail("down:2_m2", errors.New("cannot drop"))
		r := h.runner(t)

		report, err := r.Run(context.Background(), migration.RunOptions{
			Direction: migration.Down,
			Only:      []string{"1_m1", "2_m2", "3_m3"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "migration '2_m2' (down) failed: cannot drop")
		assert.Equal(t, []string{"3_m3"}, ids(report.Succeeded))
		assert.Equal(t, []string{"1_m1"}, ids(report.NotAttempted))
		assert.Equal(t, migration.StatusApplied, report.NotAttempted[0].Status)
		assert.Equal(t, []string{"1_m1", "2_m2"}, h.ledger.IDs())
	})
}

func TestRunner_Lock(t *testing.T) {
	t.Parallel()

	t.Run("err/concurrent_runs", func(t *testing.T) {
		t.Parallel()

		started, release := make(chan struct{}), make(chan struct{})
		h := newHarness(defs(2)...)
		h.catalog.Register(&migration.Definition{
			Number: 1, Description: "slow", Down: noop,
			Up: func(context.Context, migration.Querier) error {
				close(started)
				<-release
				return nil
			},
		})
		r1, r2 := h.runner(t), h.runner(t, migration.WithOperator("bob"))

		var (
			wg     sync.WaitGroup
			r1Err  error
			report *migration.Report
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, r1Err = r1.Run(context.Background(), migration.RunOptions{})
		}()

		<-started
		_, err := r2.Run(context.Background(), migration.RunOptions{})
		close(release)
		wg.Wait()

		require.NoError(t, r1Err)
		assert.Equal(t, []string{"1_slow", "2_m2"}, ids(report.Succeeded))

		var heldErr *migration.LockHeldError
		require.ErrorAs(t, err, &heldErr)
		assert.Equal(t, "alice", heldErr.Holder)
		assert.Equal(t, 1, h.locker.Acquired)
		assert.Equal(t, []string{"up:2_m2"}, h.tracker.reset())
	})

	t.Run("ok/wait_for_lock", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1)...)
		h.locker.Steal("bob", time.Minute)
		held, _ := h.locker.Held()
		r := h.runner(t, migration.WithLockWait(5*time.Second))

		go func() {
			time.Sleep(300 * time.Millisecond)
			_ = h.locker.Release(context.Background(), &held)
		}()

		report, err := r.Run(context.Background(), migration.RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"1_m1"}, ids(report.Succeeded))
		assert.Contains(t, h.logs.String(), "waiting for migration lock")
	})

	t.Run("err/wait_timeout", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1)...)
		h.locker.Steal("bob", time.Minute)
		r := h.runner(t, migration.WithLockWait(300*time.Millisecond))

		_, err := r.Run(context.Background(), migration.RunOptions{})
		var heldErr *migration.LockHeldError
		require.ErrorAs(t, err, &heldErr)
		assert.Equal(t, "bob", heldErr.Holder)
		assert.Empty(t, h.tracker.reset())
	})

	t.Run("ok/expired_lock_reclaimed", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1)...)
		h.locker.Steal("bob", -time.Second)
		r := h.runner(t)

		_, err := r.Run(context.Background(), migration.RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"1_m1"}, h.ledger.IDs())
	})

	t.Run("err/acquire", func(t *testing.T) {
		t.Parallel()

		h := newHarness(defs(1)...)
		h.locker.SetFailError(errors.New("database is locked"))
		r := h.runner(t, migration.WithLockWait(time.Minute))

		report, err := r.Run(context.Background(), migration.RunOptions{})
		assert.EqualError(t, err, "database is locked")
		assert.Equal(t, migration.StateFailed, report.State)
	})

	t.Run("err/lock_lost", func(t *testing.T) {
		t.Parallel()

		h := newHarness()
		h.catalog.Register(&migration.Definition{
			Number: 1, Description: "stolen", Down: noop,
			Up: func(context.Context, migration.Querier) error {
				h.locker.Steal("bob", time.Minute)
				return nil
			},
		})
		r := h.runner(t, migration.WithLockTTL(30*time.Millisecond))

		report, err := r.Run(context.Background(), migration.RunOptions{})
		require.ErrorIs(t, err, migration.ErrLockLost)
		assert.Contains(t, err.Error(), "failed releasing migration lock")
		assert.Equal(t, migration.StateFailed, report.State)

		held, _ := h.locker.Held()
		assert.Equal(t, "bob", held.Holder)
	})

	t.Run("ok/keep_alive", func(t *testing.T) {
		t.Parallel()

		h := newHarness()
		var expiresAt []time.Time
		h.catalog.Register(&migration.Definition{
			Number: 1, Description: "long", Down: noop,
			Up: func(context.Context, migration.Querier) error {
				l, _ := h.locker.Held()
				expiresAt = append(expiresAt, l.ExpiresAt)
				time.Sleep(200 * time.Millisecond)
				l, _ = h.locker.Held()
				expiresAt = append(expiresAt, l.ExpiresAt)
				return nil
			},
		})
		r := h.runner(t, migration.WithLockTTL(60*time.Millisecond))

		_, err := r.Run(context.Background(), migration.RunOptions{})
		require.NoError(t, err)
		require.Len(t, expiresAt, 2)
		assert.True(t, expiresAt[1].After(expiresAt[0]))
	})
}

func TestRunner_Cancel(t *testing.T) {
	t.Parallel()

	h := newHarness(defs(2, 3)...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.catalog.Register(&migration.Definition{
		Number: 1, Description: "cancel", Down: noop,
		Up: func(context.Context, migration.Querier) error {
			cancel()
			return nil
		},
	})
	r := h.runner(t)

	report, err := r.Run(ctx, migration.RunOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "migration run interrupted")
	assert.Equal(t, []string{"1_cancel"}, ids(report.Succeeded))
	assert.Equal(t, []string{"2_m2", "3_m3"}, ids(report.NotAttempted))
	assert.Equal(t, []string{"1_cancel"}, h.ledger.IDs())

	_, held := h.locker.Held()
	assert.False(t, held)
}

func TestRunner_Drift(t *testing.T) {
	t.Parallel()

	h := newHarness(defs(1, 2)...)
	h.ledger.Set(migration.Entry{ID: "1_m1", Number: 1, Checksum: "stale"})
	r := h.runner(t)

	_, err := r.Run(context.Background(), migration.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"up:2_m2"}, h.tracker.reset())

	logs := h.logs.String()
	assert.Contains(t, logs, "applied migration was modified")
	assert.Contains(t, logs, "migration_id=1_m1")
	assert.Contains(t, logs, "applied_checksum=stale")
}
