package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alecthomas/kong"

	"go.hackfix.me/shift/app/config"
	actx "go.hackfix.me/shift/app/context"
	"go.hackfix.me/shift/db/types"
)

// CLI is the command line interface of Shift.
type CLI struct {
	Create   Create   `kong:"cmd,help='Create a new migration file.'"`
	Run      Run      `kong:"cmd,help='Apply pending migrations, or roll back applied ones.'"`
	Status   Status   `kong:"cmd,help='Show the state of all migrations.'"`
	Validate Validate `kong:"cmd,help='Check the migration set for problems.'"`
	History  History  `kong:"cmd,help='Show the migration ledger history.'"`
	Config   Config   `kong:"cmd,help='Show or save the effective configuration.'"`

	Log struct {
		Level slog.Level `enum:"DEBUG,INFO,WARN,ERROR" default:"INFO" help:"Set the app logging level."`
	} `embed:"" prefix:"log-"`
	// NOTE: I'm deliberately not using kong.ConfigFlag or its support for reading
	// values from configuration files, since I want to manage configuration
	// independently from the CLI.
	ConfigFile string `kong:"default='${configFile}',help='Path to the Shift configuration file.'"`
	DataDir    string `kong:"default='${dataDir}',help='Path to the directory where Shift data is stored.'"`
	Migrations struct {
		Dir string `help:"Directory with the SQL migration files."`
	} `embed:"" prefix:"migrations-"`
	Database struct {
		Driver string `help:"Database driver. One of: ${drivers}."`
		DSN    string `name:"dsn" help:"Database data source name."`
	} `embed:"" prefix:"database-"`
	Lock struct {
		TTL  DurationFlag `name:"ttl" help:"Time after which a lock that wasn't refreshed can be reclaimed."`
		Wait DurationFlag `help:"Maximum time to wait for a lock held by another run."`
	} `embed:"" prefix:"lock-"`
	Version kong.VersionFlag `kong:"help='Output version and exit.'"`

	kong *kong.Kong
	kctx *kong.Context
}

// New initializes the command-line interface.
func New(configFilePath, dataDir, version string) (*CLI, error) {
	drivers := make([]string, len(types.Drivers))
	for i, d := range types.Drivers {
		drivers[i] = string(d)
	}

	c := &CLI{}
	kparser, err := kong.New(c,
		kong.Name("shift"),
		kong.UsageOnError(),
		kong.DefaultEnvars("SHIFT"),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			Summary:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"configFile": configFilePath,
			"dataDir":    dataDir,
			"drivers":    strings.Join(drivers, ", "),
			"version":    version,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed creating the Kong parser: %w", err)
	}

	c.kong = kparser

	return c, nil
}

// Execute starts the command execution. Parse must be called before this method.
func (c *CLI) Execute(appCtx *actx.Context) error {
	if c.kctx == nil {
		panic("the CLI wasn't initialized properly")
	}
	c.kong.Stdout = appCtx.Stdout
	c.kong.Stderr = appCtx.Stderr

	//nolint:wrapcheck // This is fine.
	return c.kctx.Run(appCtx)
}

// Parse the given command line arguments. This method must be called before
// Execute.
func (c *CLI) Parse(args []string) error {
	kctx, err := c.kong.Parse(args)
	if err != nil {
		return fmt.Errorf("failed parsing CLI arguments: %w", err)
	}
	c.kctx = kctx

	return nil
}

// Command returns the full path of the executed command.
func (c *CLI) Command() string {
	if c.kctx == nil {
		panic("the CLI wasn't initialized properly")
	}
	cmdPath := []string{}
	for _, p := range c.kctx.Path {
		if p.Command != nil {
			cmdPath = append(cmdPath, p.Command.Name)
		}
	}

	return strings.Join(cmdPath, " ")
}

// NeedsDB returns true if the executed command reads or writes the database.
func (c *CLI) NeedsDB() bool {
	switch c.Command() {
	case "create", "validate", "config":
		return false
	default:
		return true
	}
}

// ApplyConfig overrides configuration values with the flags that were set on
// the command line or via environment variables.
func (c *CLI) ApplyConfig(cfg *config.Config) error {
	if c.Migrations.Dir != "" {
		cfg.Migrations.Dir = sql.Null[string]{V: c.Migrations.Dir, Valid: true}
	}
	if c.Database.Driver != "" {
		driver := types.Driver(c.Database.Driver)
		if !driver.Valid() {
			return fmt.Errorf("unsupported database driver '%s'", c.Database.Driver)
		}
		cfg.Database.Driver = sql.Null[types.Driver]{V: driver, Valid: true}
	}
	if c.Database.DSN != "" {
		cfg.Database.DSN = sql.Null[string]{V: c.Database.DSN, Valid: true}
	}
	if c.Lock.TTL.Valid {
		if c.Lock.TTL.V == 0 {
			return errors.New("lock TTL must be greater than 0")
		}
		cfg.Lock.TTL = c.Lock.TTL.Null
	}
	if c.Lock.Wait.Valid {
		cfg.Lock.Wait = c.Lock.Wait.Null
	}

	return nil
}
