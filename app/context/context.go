package context

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/mandelsoft/vfs/pkg/vfs"

	"go.hackfix.me/shift/app/config"
	"go.hackfix.me/shift/db"
	"go.hackfix.me/shift/migration"
)

// Context contains common objects used by the application. It is passed around
// the application to avoid direct dependencies on external systems, and make
// testing easier.
type Context struct {
	Ctx     context.Context  // global context
	FS      vfs.FileSystem   // filesystem
	Env     Environment      // process environment
	Logger  *slog.Logger     // global logger
	TimeNow func() time.Time // current system time

	// Standard streams
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Config *config.Config
	// DB is the target database. It's opened on demand by commands that need
	// it, unless it was set already.
	DB *db.DB

	// Metadata
	Version *VersionInfo
}

// Environment is the interface to the process environment.
type Environment interface {
	Get(string) string
	Set(string, string) error
}

// OperatorEnvVar is the environment variable with the identity recorded as the
// applier of migrations.
const OperatorEnvVar = "SHIFT_OPERATOR"

// Operator returns the identity of the person or system running the
// application, or migration.DefaultOperator if it's not set.
func (c *Context) Operator() string {
	if c.Env != nil {
		if op := c.Env.Get(OperatorEnvVar); op != "" {
			return op
		}
	}
	return migration.DefaultOperator
}
