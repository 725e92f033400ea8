// File: internal/textmatch/textmatch.go

// Package textmatch compares human-entered names, such as city names, with
// the visible text of page elements.
package textmatch

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold returns s decomposed, stripped of combining marks, lower-cased and
// with runs of whitespace collapsed to a single space. "São  Paulo" and
// "SAO PAULO" fold to the same string.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

// Equal reports whether a and b are the same name after folding.
func Equal(a, b string) bool {
	return Fold(a) == Fold(b)
}

// Index returns the position of the first candidate equal to name after
// folding, or -1. Empty names never match.
func Index(name string, candidates []string) int {
	want := Fold(name)
	if want == "" {
		return -1
	}
	for i, c := range candidates {
		if Fold(c) == want {
			return i
		}
	}
	return -1
}
