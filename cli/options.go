package cli

import (
	"database/sql"
	"errors"
	"time"

	"github.com/alecthomas/kong"

	"go.hackfix.me/shift/xtime"
)

// DurationFlag is a duration value that also accepts days and weeks, e.g.
// "1d12h". Valid is true only if the flag was set.
type DurationFlag struct {
	sql.Null[time.Duration]
}

var _ kong.MapperValue = (*DurationFlag)(nil)

// Decode implements the kong.MapperValue interface.
func (df *DurationFlag) Decode(kctx *kong.DecodeContext) error {
	var value string
	err := kctx.Scan.PopValueInto("duration", &value)
	if err != nil {
		return err
	}

	dur, err := xtime.ParseDuration(value)
	if err != nil {
		return err
	}

	if dur < 0 {
		return errors.New("duration must not be negative")
	}

	df.V, df.Valid = dur, true

	return nil
}
