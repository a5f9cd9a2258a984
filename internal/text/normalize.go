package text

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

var quoteReplacer = strings.NewReplacer(
	"“", "\"",
	"”", "\"",
	"‘", "'",
	"’", "'",
	"´", "'",
	"`", "'",
	"–", "-",
	"‑", "-",
	"—", "-",
)

// Normalize folds full-width forms, straightens quotes and dashes, and
// collapses runs of whitespace.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = quoteReplacer.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// EnsureTerminal appends "." unless s already ends with "." or "。".
//
// Reference transcripts without a terminator make the model swallow the first
// word of later syntheses.
func EnsureTerminal(s string) string {
	if strings.HasSuffix(s, ".") || strings.HasSuffix(s, "。") {
		return s
	}
	return s + "."
}
