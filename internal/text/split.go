// Package text segments long input into independently synthesizable fragments
// and applies the light normalization every language path shares.
package text

import (
	"errors"
	"iter"
	"strings"
	"unicode"
)

// DefaultChunkSize is used when a caller passes a non-positive chunk size.
const DefaultChunkSize = 50

// ErrEmptyInput is returned when there is nothing to synthesize.
var ErrEmptyInput = errors.New("no audio generated")

// ResolveChunkSize maps a non-positive size to DefaultChunkSize.
func ResolveChunkSize(size int) int {
	if size <= 0 {
		return DefaultChunkSize
	}
	return size
}

// Split returns the fragments of text, each roughly at most maxChunkSize runes.
//
// Cuts prefer the last sentence terminator inside the budget, then the last
// clause mark, then the last whitespace, and finally fall back to a hard cut.
// Fragments are trimmed and never empty. The sequence re-scans text on every
// iteration and may be ranged over any number of times.
func Split(text string, maxChunkSize int) iter.Seq[string] {
	size := ResolveChunkSize(maxChunkSize)
	return func(yield func(string) bool) {
		rs := []rune(text)
		start := 0
		for start < len(rs) {
			for start < len(rs) && unicode.IsSpace(rs[start]) {
				start++
			}
			if start >= len(rs) {
				return
			}
			end := cutPoint(rs, start, size)
			frag := strings.TrimSpace(string(rs[start:end]))
			start = end
			if frag == "" {
				continue
			}
			if !yield(frag) {
				return
			}
		}
	}
}

// Collect drains a fragment sequence.
func Collect(seq iter.Seq[string]) []string {
	var out []string
	for frag := range seq {
		out = append(out, frag)
	}
	return out
}

func cutPoint(rs []rune, start, size int) int {
	if len(rs)-start <= size {
		return len(rs)
	}
	limit := start + size
	lastSentence, lastClause, lastSpace := -1, -1, -1
	for i := start; i < limit; i++ {
		switch boundaryKind(rs, i) {
		case sentenceBoundary:
			lastSentence = i + 1
		case clauseBoundary:
			lastClause = i + 1
		}
		if unicode.IsSpace(rs[i]) && i > start {
			lastSpace = i
		}
	}
	switch {
	case lastSentence > start:
		return lastSentence
	case lastClause > start:
		return lastClause
	case lastSpace > start:
		return lastSpace
	default:
		return limit
	}
}

type boundary int

const (
	noBoundary boundary = iota
	clauseBoundary
	sentenceBoundary
)

func boundaryKind(rs []rune, i int) boundary {
	r := rs[i]
	switch r {
	case '.', ':', ',', '：':
		// 9.9, 10:30 and 1,000 stay intact
		if i > 0 && i < len(rs)-1 && unicode.IsDigit(rs[i-1]) && unicode.IsDigit(rs[i+1]) {
			return noBoundary
		}
		if r == '.' {
			return sentenceBoundary
		}
		return clauseBoundary
	case '!', '?', ';', '。', '！', '？', '；', '…', '\n', '¡', '¿':
		return sentenceBoundary
	case '，', '、', '～', '~', '„', '・':
		return clauseBoundary
	}
	return noBoundary
}

// IsTerminator reports whether r ends a sentence.
func IsTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '…':
		return true
	}
	return false
}
