// Package textfold normalises names for full-text indexing and querying.
// The same fold is applied when rows are written and when queries arrive,
// so "café" and "cafe" tokenise identically.
package textfold

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// folder decomposes to NFD, strips combining marks, and re-composes.
// Transformers are stateful, so a fresh chain is built per call.
func folder() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// Fold returns |s| lower-cased with all diacritic marks removed.
// Input which fails to transform (malformed UTF-8) is passed through
// lower-cased; the FTS layer treats it as opaque text.
func Fold(s string) string {
	var out, _, err = transform.String(folder(), s)
	if err != nil {
		return strings.ToLower(s)
	}
	return strings.ToLower(out)
}

// Tokenless reports whether |s| carries no letter or digit, and so
// would fold to an FTS5 phrase with no tokens, which FTS5 rejects.
func Tokenless(s string) bool {
	return !strings.ContainsFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	})
}
