package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/mandelsoft/vfs/pkg/memoryfs"

	"go.hackfix.me/shift/app/config"
	actx "go.hackfix.me/shift/app/context"
	aerrors "go.hackfix.me/shift/app/errors"
	"go.hackfix.me/shift/cli"
	"go.hackfix.me/shift/db"
	"go.hackfix.me/shift/db/types"
)

// App is the application.
type App struct {
	name string
	ctx  *actx.Context
	cli  *cli.CLI
	// the logging level is set via the CLI, if the app was initialized with the
	// WithLogger option.
	logLevel *slog.LevelVar
}

// New initializes a new application.
func New(name, configPath, dataDir string, opts ...Option) (*App, error) {
	version, err := actx.GetVersion()
	if err != nil {
		return nil, err
	}

	defaultCtx := &actx.Context{
		Ctx:     context.Background(),
		FS:      memoryfs.New(),
		Logger:  slog.Default(),
		TimeNow: time.Now,
		Version: version,
	}
	app := &App{name: name, ctx: defaultCtx}

	for _, opt := range opts {
		opt(app)
	}

	ver := fmt.Sprintf("%s %s", app.name, app.ctx.Version.String())
	app.cli, err = cli.New(configPath, dataDir, ver)
	if err != nil {
		return nil, err
	}

	return app, nil
}

// Run initializes the application environment and starts execution of the
// application.
func (app *App) Run(args []string) error {
	if err := app.cli.Parse(args); err != nil {
		return err
	}

	if app.logLevel != nil {
		app.logLevel.Set(app.cli.Log.Level)
		slog.SetLogLoggerLevel(app.cli.Log.Level)
	}

	if err := app.loadConfig(); err != nil {
		return err
	}

	if app.cli.NeedsDB() && app.ctx.DB == nil {
		if err := app.openDB(); err != nil {
			return err
		}
		defer func() {
			if err := app.ctx.DB.Close(); err != nil {
				app.ctx.Logger.Warn("failed closing database", "error", err)
			}
			app.ctx.DB = nil
		}()
	}

	if app.ctx.DB != nil {
		if err := app.ctx.DB.Init(app.ctx.Ctx); err != nil {
			return aerrors.NewRuntimeError("failed initializing migration ledger", err, "")
		}
	}

	if err := app.cli.Execute(app.ctx); err != nil {
		return err
	}

	return nil
}

func (app *App) loadConfig() error {
	if app.ctx.Config == nil {
		app.ctx.Config = config.NewConfig(app.ctx.FS, app.cli.ConfigFile)
		if err := app.ctx.Config.Load(); err != nil {
			return aerrors.NewRuntimeError("failed loading configuration", err,
				fmt.Sprintf("check the file at %s", app.cli.ConfigFile))
		}
	}

	if err := app.cli.ApplyConfig(app.ctx.Config); err != nil {
		return aerrors.NewRuntimeError("invalid configuration", err, "")
	}
	app.ctx.Config.SetDefaults(app.cli.DataDir)

	return nil
}

func (app *App) openDB() error {
	cfg := app.ctx.Config.Database
	if !cfg.DSN.Valid {
		return aerrors.NewRuntimeError(
			fmt.Sprintf("no data source name configured for the %s database", cfg.Driver.V), nil,
			"set it with --database-dsn or in the configuration file")
	}

	if cfg.Driver.V == types.DriverSQLite && !isMemoryDSN(cfg.DSN.V) {
		path := strings.TrimPrefix(cfg.DSN.V, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		if err := app.ctx.FS.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return aerrors.NewRuntimeError("failed creating database directory", err, "")
		}
	}

	d, err := db.Open(app.ctx.Ctx, cfg.Driver.V, cfg.DSN.V, app.ctx.TimeNow, app.ctx.Logger)
	if err != nil {
		return aerrors.NewRuntimeError("failed opening database", err, "")
	}
	app.ctx.DB = d

	return nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}
