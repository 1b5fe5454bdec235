// Package normalizers provides string normalization for dimension names.
package normalizers

import (
	"strings"
	"unicode"
)

// Normalizer is a function that normalizes a string value.
type Normalizer func(string) string

// Trim removes leading and trailing whitespace.
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// CollapseWhitespace reduces runs of whitespace to a single space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TitleCase lowercases the string and capitalizes the first letter of each
// word.
func TitleCase(s string) string {
	var result strings.Builder
	startOfWord := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) {
			startOfWord = true
			result.WriteRune(r)
			continue
		}
		if startOfWord {
			result.WriteRune(unicode.ToUpper(r))
			startOfWord = false
			continue
		}
		result.WriteRune(r)
	}
	return result.String()
}

// DimensionName is the canonical form for state/crop/season names: trimmed,
// inner whitespace collapsed, title-cased. Two raw names that differ only in
// case or spacing normalize to the same dimension.
func DimensionName(s string) string {
	return TitleCase(CollapseWhitespace(Trim(s)))
}

// LookupKey is the case-insensitive key dimension names are matched on.
func LookupKey(s string) string {
	return strings.ToLower(CollapseWhitespace(Trim(s)))
}
