package errors

import (
	"errors"
	"log/slog"
	"sort"

	"go.hackfix.me/shift/migration"
)

// Log logs an error using the given logger, extracting metadata if it's a
// StructuredError. Each problem of a migration validation error is logged
// separately.
func Log(logger *slog.Logger, err error) {
	var valErr *migration.ValidationError
	if errors.As(err, &valErr) {
		for _, e := range valErr.Errors {
			logger.Error(e.Error())
		}
	}

	var serr *StructuredError
	if !errors.As(err, &serr) {
		logger.Error(err.Error())
		return
	}

	args := make([]any, 0, len(serr.metadata)*2+2)

	cause := serr.metadata["cause"]
	if serr.cause != nil {
		cause = serr.cause
	}
	if cause != nil {
		args = append(args, "cause", cause)
	}

	keys := make([]string, 0, len(serr.metadata))
	for k := range serr.metadata {
		if k != "cause" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		args = append(args, k, serr.metadata[k])
	}

	logger.Error(serr.Error(), args...)
}
