package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mandelsoft/vfs/pkg/vfs"

	"go.hackfix.me/shift/db/types"
	"go.hackfix.me/shift/xtime"
)

// Config represents the application configuration, backed by a filesystem for
// persistence.
type Config struct {
	Migrations Migrations
	Database   Database
	Lock       Lock

	fs   vfs.FileSystem
	path string
}

// NewConfig creates a new Config instance with the specified filesystem
// and configuration file path.
func NewConfig(fs vfs.FileSystem, path string) *Config {
	return &Config{fs: fs, path: path}
}

// Load reads and parses the configuration file from the filesystem.
// If the file doesn't exist, it initializes with an empty configuration.
func (c *Config) Load() error {
	configJSON, err := vfs.ReadFile(c.fs, c.path)
	if err != nil && !vfs.IsErrNotExist(err) {
		return fmt.Errorf("failed reading configuration file: %w", err)
	}

	// Ensure that unmarshalling JSON doesn't fail if the file doesn't exist or is empty.
	if len(configJSON) == 0 {
		configJSON = []byte("{}")
	}

	if err = json.Unmarshal(configJSON, c); err != nil {
		return fmt.Errorf("failed parsing configuration file: %w", err)
	}

	return nil
}

// Path returns the filesystem path where the configuration is stored.
func (c *Config) Path() string {
	return c.path
}

// Save writes the current configuration to the filesystem as JSON.
func (c *Config) Save() error {
	if err := c.fs.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed creating configuration directory: %w", err)
	}
	configJSON, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed serializing configuration data: %w", err)
	}
	if err = vfs.WriteFile(c.fs, c.path, configJSON, 0o644); err != nil {
		return fmt.Errorf("failed writing configuration file: %w", err)
	}

	return nil
}

// Migrations defines where migrations are stored.
type Migrations struct {
	// Dir is the directory with the SQL migration files. Relative paths are
	// resolved from the working directory.
	Dir sql.Null[string] `json:"dir"`
}

// Database defines the target database, which also stores the migration
// ledger and lock.
type Database struct {
	Driver sql.Null[types.Driver] `json:"driver"`
	// DSN is the driver-specific data source name. E.g. a file path for SQLite,
	// or a postgres:// URL for PostgreSQL.
	DSN sql.Null[string] `json:"dsn"`
}

// Lock defines the behavior of the migration lock.
type Lock struct {
	// Name of the lock row. Runs using different names aren't serialized.
	Name sql.Null[string] `json:"name"`
	// TTL is the time after which a lock that wasn't refreshed can be
	// reclaimed. It serializes from/to xtime.Duration string values.
	TTL sql.Null[time.Duration] `json:"ttl"`
	// Wait is the maximum time to wait for a lock held by another run. If 0,
	// runs fail immediately. It serializes from/to xtime.Duration string values.
	Wait sql.Null[time.Duration] `json:"wait"`
}

type cfgWrapper struct {
	Migrations migrationsCfgWrapper `json:"migrations"`
	Database   dbCfgWrapper         `json:"database"`
	Lock       lockCfgWrapper       `json:"lock"`
}
type migrationsCfgWrapper struct {
	Dir string `json:"dir,omitempty"`
}
type dbCfgWrapper struct {
	Driver string `json:"driver,omitempty"`
	DSN    string `json:"dsn,omitempty"`
}
type lockCfgWrapper struct {
	Name string `json:"name,omitempty"`
	TTL  string `json:"ttl,omitempty"`
	Wait string `json:"wait,omitempty"`
}

// MarshalJSON implements custom JSON marshaling to convert sql.Null values
// to their underlying types, omitting invalid/null fields from the output.
func (c Config) MarshalJSON() ([]byte, error) {
	w := cfgWrapper{}

	if c.Migrations.Dir.Valid {
		w.Migrations.Dir = c.Migrations.Dir.V
	}

	if c.Database.Driver.Valid {
		w.Database.Driver = string(c.Database.Driver.V)
	}
	if c.Database.DSN.Valid {
		w.Database.DSN = c.Database.DSN.V
	}

	if c.Lock.Name.Valid {
		w.Lock.Name = c.Lock.Name.V
	}
	if c.Lock.TTL.Valid {
		w.Lock.TTL = xtime.FormatDuration(c.Lock.TTL.V, time.Second)
	}
	if c.Lock.Wait.Valid {
		w.Lock.Wait = xtime.FormatDuration(c.Lock.Wait.V, time.Second)
	}

	//nolint:wrapcheck // This is fine.
	return json.Marshal(w)
}

// UnmarshalJSON implements custom JSON unmarshaling to convert plain values
// into sql.Null types and parse duration strings into time.Duration values.
func (c *Config) UnmarshalJSON(data []byte) error {
	var w cfgWrapper
	if err := json.Unmarshal(data, &w); err != nil {
		//nolint:wrapcheck // This is fine.
		return err
	}

	if w.Migrations.Dir != "" {
		c.Migrations.Dir = sql.Null[string]{V: w.Migrations.Dir, Valid: true}
	}

	if w.Database.Driver != "" {
		driver := types.Driver(w.Database.Driver)
		if !driver.Valid() {
			return fmt.Errorf("unsupported database driver '%s'", w.Database.Driver)
		}
		c.Database.Driver = sql.Null[types.Driver]{V: driver, Valid: true}
	}
	if w.Database.DSN != "" {
		c.Database.DSN = sql.Null[string]{V: w.Database.DSN, Valid: true}
	}

	if w.Lock.Name != "" {
		c.Lock.Name = sql.Null[string]{V: w.Lock.Name, Valid: true}
	}
	if w.Lock.TTL != "" {
		dur, err := xtime.ParseDuration(w.Lock.TTL)
		if err != nil {
			return fmt.Errorf("failed parsing lock TTL: %w", err)
		}
		if dur <= 0 {
			return fmt.Errorf("lock TTL must be greater than 0, got '%s'", w.Lock.TTL)
		}
		c.Lock.TTL = sql.Null[time.Duration]{V: dur, Valid: true}
	}
	if w.Lock.Wait != "" {
		dur, err := xtime.ParseDuration(w.Lock.Wait)
		if err != nil {
			return fmt.Errorf("failed parsing lock wait: %w", err)
		}
		if dur < 0 {
			return fmt.Errorf("lock wait must not be negative, got '%s'", w.Lock.Wait)
		}
		c.Lock.Wait = sql.Null[time.Duration]{V: dur, Valid: true}
	}

	return nil
}

// SetDefaults sets default configuration values if they weren't set already.
// The default SQLite database is stored in dataDir.
func (c *Config) SetDefaults(dataDir string) {
	if !c.Migrations.Dir.Valid {
		c.Migrations.Dir = sql.Null[string]{V: "migrations", Valid: true}
	}
	if !c.Database.Driver.Valid {
		c.Database.Driver = sql.Null[types.Driver]{V: types.DriverSQLite, Valid: true}
	}
	if !c.Database.DSN.Valid && c.Database.Driver.V == types.DriverSQLite {
		c.Database.DSN = sql.Null[string]{V: filepath.Join(dataDir, "shift.db"), Valid: true}
	}
	if !c.Lock.Name.Valid {
		c.Lock.Name = sql.Null[string]{V: "migrations", Valid: true}
	}
	if !c.Lock.TTL.Valid {
		c.Lock.TTL = sql.Null[time.Duration]{V: 5 * time.Minute, Valid: true}
	}
	if !c.Lock.Wait.Valid {
		c.Lock.Wait = sql.Null[time.Duration]{V: 0, Valid: true}
	}
}
