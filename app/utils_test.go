package app

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mandelsoft/vfs/pkg/memoryfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/stretchr/testify/require"

	actx "go.hackfix.me/shift/app/context"
	"go.hackfix.me/shift/cli"
	"go.hackfix.me/shift/db"
	"go.hackfix.me/shift/db/types"
)

var timeNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func timeNowFn() time.Time {
	return timeNow
}

const testConfig = `{"migrations": {"dir": "/migrations"}, "lock": {"ttl": "1m"}}`

type testApp struct {
	*App
	fs             vfs.FileSystem
	stdout, stderr *safeBuffer
	env            *mockEnv
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	ctx := t.Context()

	// A unique name per app, to avoid clashing of in-memory SQLite DBs.
	rndName := make([]byte, 12)
	_, err := rand.Read(rndName)
	require.NoError(t, err)

	// Not using just :memory: to avoid 'no such table' issue.
	// See https://github.com/mattn/go-sqlite3#faq
	d, err := db.Open(ctx, types.DriverSQLite,
		fmt.Sprintf("file:shift-%x?mode=memory&cache=shared", rndName),
		timeNowFn, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	fs := memoryfs.New()
	require.NoError(t, vfs.WriteFile(fs, "/config.json", []byte(testConfig), 0o644))

	stdoutW, stderrW := newSafeBuffer(), newSafeBuffer()

	env := &mockEnv{env: map[string]string{actx.OperatorEnvVar: "tester"}}
	opts := []Option{
		WithTimeNow(timeNowFn),
		WithEnv(env),
		WithDB(d),
		WithContext(ctx),
		WithFDs(strings.NewReader(""), stdoutW, stderrW),
		WithFS(fs),
		WithLogger(false),
	}
	app, err := New("shift", "/config.json", "/data", opts...)
	require.NoError(t, err)

	return &testApp{
		App: app, fs: fs, stdout: stdoutW, stderr: stderrW, env: env,
	}
}

// Run runs the app with a fresh CLI parser and empty outputs, so that flags
// and output of previous runs don't leak.
func (ta *testApp) Run(args ...string) error {
	ta.stdout.Reset()
	ta.stderr.Reset()

	var err error
	ver := fmt.Sprintf("%s %s", ta.name, ta.ctx.Version.String())
	ta.cli, err = cli.New("/config.json", "/data", ver)
	if err != nil {
		return err
	}
	ta.ctx.Config = nil

	return ta.App.Run(args)
}

func (ta *testApp) writeMigration(t *testing.T, id, body string) {
	t.Helper()
	require.NoError(t, ta.fs.MkdirAll("/migrations", 0o755))
	require.NoError(t, vfs.WriteFile(ta.fs, "/migrations/"+id+".sql", []byte(body), 0o644))
}

// tableRows returns the lines of a rendered table with all whitespace between
// cells collapsed, which makes them independent of column widths.
func tableRows(out string) []string {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	rows := make([]string, 0, len(lines))
	for _, l := range lines {
		rows = append(rows, strings.Join(strings.Fields(l), " "))
	}
	return rows
}

type mockEnv struct {
	mx  sync.RWMutex
	env map[string]string
}

var _ actx.Environment = (*mockEnv)(nil)

func (me *mockEnv) Get(key string) string {
	me.mx.RLock()
	defer me.mx.RUnlock()
	return me.env[key]
}

func (me *mockEnv) Set(key, val string) error {
	me.mx.Lock()
	defer me.mx.Unlock()
	me.env[key] = val
	return nil
}

// safeBuffer is a thread-safe buffer.
type safeBuffer struct {
	mx  sync.RWMutex
	buf *bytes.Buffer
}

func newSafeBuffer() *safeBuffer {
	return &safeBuffer{buf: &bytes.Buffer{}}
}

func (b *safeBuffer) Write(p []byte) (n int, err error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Reset() {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.buf.Reset()
}

func (b *safeBuffer) String() string {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return b.buf.String()
}
