package migration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxDescriptionLength is the maximum length of a migration description slug.
const MaxDescriptionLength = 50

var (
	idRx       = regexp.MustCompile(`^([1-9][0-9]*)_([a-z0-9_]+)$`)
	nonSlugRx  = regexp.MustCompile(`[^a-z0-9]+`)
	slugCharRx = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// NextNumber returns the number the next migration should use, given the
// numbers of all known migrations, applied or not. Gaps left by deleted
// migrations are never filled, since another environment may have already
// recorded them as applied.
func NextNumber(existing []int) int {
	highest := 0
	for _, n := range existing {
		highest = max(highest, n)
	}
	return highest + 1
}

// Slugify converts a human description into the description part of a
// migration ID. E.g. "Add user preferences field" becomes
// "add_user_preferences_field".
func Slugify(description string) (string, error) {
	desc := strings.TrimSpace(description)
	if desc == "" {
		return "", &InvalidDescriptionError{Description: description, Reason: "description is empty"}
	}

	slug := nonSlugRx.ReplaceAllString(strings.ToLower(desc), "_")
	slug = strings.Trim(slug, "_")
	if len(slug) > MaxDescriptionLength {
		slug = strings.TrimRight(slug[:MaxDescriptionLength], "_")
	}
	if slug == "" {
		return "", &InvalidDescriptionError{
			Description: description,
			Reason:      "description must contain at least one letter or digit",
		}
	}

	return slug, nil
}

// FormatID returns the canonical migration ID.
func FormatID(number int, description string) string {
	return fmt.Sprintf("%d_%s", number, description)
}

// ParseID splits a canonical migration ID into its number and description.
func ParseID(id string) (number int, description string, err error) {
	match := idRx.FindStringSubmatch(id)
	if match == nil {
		return 0, "", &MalformedIDError{ID: id, Reason: malformedReason(id)}
	}

	number, err = strconv.Atoi(match[1])
	if err != nil {
		return 0, "", &MalformedIDError{ID: id, Reason: "number is out of range"}
	}
	description = match[2]
	if len(description) > MaxDescriptionLength {
		return 0, "", &MalformedIDError{
			ID:     id,
			Reason: fmt.Sprintf("description is longer than %d characters", MaxDescriptionLength),
		}
	}

	return number, description, nil
}

func malformedReason(id string) string {
	num, desc, found := strings.Cut(id, "_")
	switch {
	case !found || num == "" || desc == "":
		return "expected {number}_{description}"
	case strings.TrimLeft(num, "0123456789") != "":
		return "number must be a positive integer"
	case strings.Trim(num, "0") == "":
		return "number must be positive"
	case num[0] == '0':
		return "number must not have leading zeros"
	case !slugCharRx.MatchString(desc):
		return "description must only contain lowercase letters, digits and underscores"
	default:
		return "expected {number}_{description}"
	}
}
