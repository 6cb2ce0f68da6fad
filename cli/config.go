package cli

import (
	"encoding/json"
	"fmt"

	actx "go.hackfix.me/shift/app/context"
	aerrors "go.hackfix.me/shift/app/errors"
)

// The Config command prints the effective configuration, i.e. the
// configuration file merged with flags, environment variables and defaults.
type Config struct {
	Save bool `help:"Write the effective configuration to the configuration file."`
}

// Run the config command.
func (c *Config) Run(appCtx *actx.Context) error {
	cfgJSON, err := json.MarshalIndent(appCtx.Config, "", "  ")
	if err != nil {
		return aerrors.NewRuntimeError("failed serializing configuration", err, "")
	}

	if _, err = fmt.Fprintf(appCtx.Stdout, "%s\n", cfgJSON); err != nil {
		return aerrors.NewRuntimeError("failed writing to stdout", err, "")
	}

	if !c.Save {
		return nil
	}

	if err = appCtx.Config.Save(); err != nil {
		return aerrors.NewRuntimeError("failed saving configuration", err,
			"Make sure the configuration directory is writable.")
	}
	appCtx.Logger.Info("saved configuration", "path", appCtx.Config.Path())

	return nil
}
