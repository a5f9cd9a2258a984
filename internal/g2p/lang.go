// Package g2p turns text into phoneme symbols and per-phoneme embeddings,
// routing each run of text to the converter for its language.
package g2p

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrUnsupportedLanguage is returned for text in a script or language that no
// configured converter handles.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// UnsupportedLanguageError names the offending text and its script.
type UnsupportedLanguageError struct {
	Text   string
	Script string
}

func (e *UnsupportedLanguageError) Error() string {
	return fmt.Sprintf("%v: %q (%s)", ErrUnsupportedLanguage, e.Text, e.Script)
}

func (e *UnsupportedLanguageError) Unwrap() error { return ErrUnsupportedLanguage }

// Language identifies a converter.
type Language int

const (
	LangZH Language = iota + 1
	LangEN
	LangJA
)

func (l Language) String() string {
	switch l {
	case LangZH:
		return "zh"
	case LangEN:
		return "en"
	case LangJA:
		return "ja"
	}
	return fmt.Sprintf("lang(%d)", int(l))
}

// Span is a run of text in one language.
type Span struct {
	Lang Language
	Text string
}

// Detect splits text into language spans by script. Digits, punctuation and
// spaces join the surrounding span; text with no letters at all is assigned
// fallback.
func Detect(text string, fallback Language) ([]Span, error) {
	var (
		spans   []Span
		current Language
		buf     strings.Builder
	)
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		lang := current
		if lang == 0 {
			lang = fallback
		}
		spans = append(spans, Span{Lang: lang, Text: buf.String()})
		buf.Reset()
	}

	for _, r := range text {
		lang, err := scriptOf(r)
		if err != nil {
			return nil, err
		}
		switch {
		case lang == 0:
		case current == 0:
			// leading neutral runes belong to the first lettered span
			current = lang
		case lang != current:
			flush()
			current = lang
		}
		buf.WriteRune(r)
	}
	flush()
	return spans, nil
}

func scriptOf(r rune) (Language, error) {
	switch {
	case unicode.Is(unicode.Han, r):
		return LangZH, nil
	case unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r):
		return LangJA, nil
	case unicode.Is(unicode.Latin, r):
		return LangEN, nil
	case unicode.IsLetter(r):
		return 0, &UnsupportedLanguageError{Text: string(r), Script: scriptName(r)}
	}
	return 0, nil
}

func scriptName(r rune) string {
	for name, table := range unicode.Scripts {
		if name != "Common" && name != "Inherited" && unicode.Is(table, r) {
			return name
		}
	}
	return "Unknown"
}
