package text

import (
	"strings"
	"testing"
	"unicode"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		size     int
		expected []string
	}{
		{
			name:     "three sentences",
			input:    "Sentence one. Sentence two. Sentence three.",
			size:     15,
			expected: []string{"Sentence one.", "Sentence two.", "Sentence three."},
		},
		{
			name:     "fits budget",
			input:    "Short. Text.",
			size:     50,
			expected: []string{"Short. Text."},
		},
		{
			name:     "clause fallback",
			input:    "alpha beta, gamma delta epsilon",
			size:     14,
			expected: []string{"alpha beta,", "gamma delta", "epsilon"},
		},
		{
			name:     "chinese punctuation",
			input:    "今天天气很好。我们去公园散步吧！",
			size:     10,
			expected: []string{"今天天气很好。", "我们去公园散步吧！"},
		},
		{
			name:     "decimal is not a boundary",
			input:    "The price is 9.9 dollars",
			size:     16,
			expected: []string{"The price is", "9.9 dollars"},
		},
		{
			name:     "hard cut",
			input:    "abcdefghij",
			size:     4,
			expected: []string{"abcd", "efgh", "ij"},
		},
		{
			name:     "empty",
			input:    "",
			size:     10,
			expected: nil,
		},
		{
			name:     "whitespace only",
			input:    "   \n\t ",
			size:     10,
			expected: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Collect(Split(tc.input, tc.size))
			if len(got) != len(tc.expected) {
				t.Fatalf("got %d fragments %q; want %q", len(got), got, tc.expected)
			}
			for i := range got {
				if got[i] != tc.expected[i] {
					t.Errorf("fragment[%d] = %q; want %q", i, got[i], tc.expected[i])
				}
			}
		})
	}
}

func TestSplitZeroUsesDefault(t *testing.T) {
	input := strings.Repeat("This is a fairly ordinary sentence. ", 8)
	zero := Collect(Split(input, 0))
	fifty := Collect(Split(input, DefaultChunkSize))
	if strings.Join(zero, "|") != strings.Join(fifty, "|") {
		t.Fatalf("size 0 differs from default:\n%q\n%q", zero, fifty)
	}
}

func TestSplitCoverage(t *testing.T) {
	inputs := []string{
		"Hello there, how are you? I am fine; thanks for asking. Bye!",
		"一二三四五六七八九十，一二三四五六七八九十。Mixed English and 中文 text here.",
		strings.Repeat("word ", 40),
		"no-punctuation-or-spaces-in-this-very-long-token-at-all",
	}
	strip := func(s string) string {
		return strings.Map(func(r rune) rune {
			if unicode.IsSpace(r) {
				return -1
			}
			return r
		}, s)
	}
	for _, input := range inputs {
		for _, size := range []int{1, 3, 7, 20, 50} {
			frags := Collect(Split(input, size))
			for i, f := range frags {
				if f == "" {
					t.Fatalf("empty fragment %d for size %d", i, size)
				}
			}
			if got, want := strip(strings.Join(frags, "")), strip(input); got != want {
				t.Fatalf("size %d lost text:\n got %q\nwant %q", size, got, want)
			}
		}
	}
}

func TestSplitRestartable(t *testing.T) {
	seq := Split("One. Two. Three.", 5)
	first := Collect(seq)
	second := Collect(seq)
	if strings.Join(first, "|") != strings.Join(second, "|") {
		t.Fatalf("sequence not restartable: %q vs %q", first, second)
	}
}

func TestEnsureTerminal(t *testing.T) {
	tests := map[string]string{
		"Hello world":  "Hello world.",
		"Hello world.": "Hello world.",
		"你好。":          "你好。",
		"Really?":      "Really?.",
	}
	for in, want := range tests {
		if got := EnsureTerminal(in); got != want {
			t.Errorf("EnsureTerminal(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize("  Ｈｅｌｌｏ　“world”  —  ok ")
	if got != "Hello \"world\" - ok" {
		t.Fatalf("unexpected normalization: %q", got)
	}
}
