package migration

import (
	"slices"
)

// ValidationResult is the outcome of validating a migration set. It's OK if
// no problems were found.
type ValidationResult struct {
	Errors []error
}

// OK returns true if the migration set has no problems.
func (r ValidationResult) OK() bool {
	return len(r.Errors) == 0
}

// Err returns all problems as a single *ValidationError, or nil if the result
// is OK.
func (r ValidationResult) Err() error {
	if r.OK() {
		return nil
	}
	return &ValidationError{Errors: slices.Clone(r.Errors)}
}

// Validate checks the whole migration set before anything is executed, and
// reports every problem found rather than stopping at the first one. It checks
// for, in order:
//  1. migrations sharing the same number;
//  2. IDs that aren't in the canonical {number}_{description} format, or that
//     don't match the migration's number and description;
//  3. migrations missing their up or down procedure.
//
// Numbers don't need to be contiguous.
func Validate(defs []*Definition) ValidationResult {
	var res ValidationResult

	byNumber := map[int][]string{}
	var numbers []int
	for _, d := range defs {
		if d.Number <= 0 {
			continue
		}
		if _, ok := byNumber[d.Number]; !ok {
			numbers = append(numbers, d.Number)
		}
		byNumber[d.Number] = append(byNumber[d.Number], d.ID)
	}
	slices.Sort(numbers)
	for _, n := range numbers {
		if ids := byNumber[n]; len(ids) > 1 {
			res.Errors = append(res.Errors, &DuplicateNumberError{Number: n, IDs: ids})
		}
	}

	for _, d := range defs {
		number, desc, err := ParseID(d.ID)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		if number != d.Number || desc != d.Description {
			res.Errors = append(res.Errors, &MalformedIDError{
				ID:     d.ID,
				Reason: "ID doesn't match the migration number and description",
			})
		}
	}

	for _, d := range defs {
		var missing []Direction
		if d.Up == nil {
			missing = append(missing, Up)
		}
		if d.Down == nil {
			missing = append(missing, Down)
		}
		if len(missing) > 0 {
			res.Errors = append(res.Errors, &IncompleteMigrationError{ID: d.ID, Missing: missing})
		}
	}

	return res
}
