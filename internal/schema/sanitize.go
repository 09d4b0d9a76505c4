package schema

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/rpattn/importer/internal/apperrors"
)

const unnamedColumn = "unnamed_column"

var (
	disallowedPattern = regexp.MustCompile(`[^a-zA-Z0-9_\s]`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

func stripDiacritics(value string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, value)
	if err != nil {
		return value
	}
	return out
}

func canonicalize(value string) string {
	value = strings.TrimSpace(stripDiacritics(value))
	value = disallowedPattern.ReplaceAllString(value, "")
	value = strings.TrimSpace(value)
	value = whitespacePattern.ReplaceAllString(value, "_")
	value = strings.ToLower(value)
	if value != "" && value[0] >= '0' && value[0] <= '9' {
		value = "col_" + value
	}
	return value
}

// Sanitize converts a source label into a canonical column identifier made of
// [a-z0-9_] that never starts with a digit and is never empty.
func Sanitize(name string) string {
	value := canonicalize(name)
	if value == "" {
		return unnamedColumn
	}
	return value
}

// SanitizeTableName applies the column rules to a user supplied table name.
// Names that reduce to nothing are rejected instead of replaced.
func SanitizeTableName(name string) (string, error) {
	value := canonicalize(name)
	if value == "" {
		return "", apperrors.Wrap(fmt.Errorf("table name %q has no usable characters", name), apperrors.ErrInvalidTableName)
	}
	return value, nil
}
