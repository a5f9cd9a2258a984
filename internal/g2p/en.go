package g2p

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/loqalabs/loqa-voice/internal/nn"
	"github.com/loqalabs/loqa-voice/internal/symbols"
)

// English converts Latin text to ARPAbet phones using a CMU style dictionary.
// Numbers are spelled out and unknown words are read letter by letter after
// folding diacritics, so "café" reads as "cafe".
type English struct {
	dict  map[string][]string
	dim   int
	zeros []float32
}

// LoadCMUDict reads a dictionary with lines of the form "WORD  PH1 PH2 ...".
// Alternate pronunciations such as "WORD(1)" are ignored.
func LoadCMUDict(path string) (map[string][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: english dictionary: %v", nn.ErrAssetLoad, err)
	}
	defer file.Close()
	dict, err := ParseCMUDict(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", nn.ErrAssetLoad, path, err)
	}
	return dict, nil
}

func ParseCMUDict(r io.Reader) (map[string][]string, error) {
	dict := make(map[string][]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";;;") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		word := strings.ToUpper(fields[0])
		if strings.HasSuffix(word, ")") {
			continue
		}
		if _, ok := dict[word]; !ok {
			dict[word] = fields[1:]
		}
	}
	return dict, scanner.Err()
}

func NewEnglish(dict map[string][]string, dim int) (*English, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: embedding dim must be positive", nn.ErrAssetLoad)
	}
	if dict == nil {
		dict = map[string][]string{}
	}
	return &English{dict: dict, dim: dim, zeros: make([]float32, dim)}, nil
}

func (e *English) Language() Language { return LangEN }

func (e *English) EmbeddingDim() int { return e.dim }

func (e *English) Convert(ctx context.Context, text string) (Phones, error) {
	if err := ctx.Err(); err != nil {
		return Phones{}, err
	}
	var out Phones
	for _, tok := range tokenizeLatin(text) {
		switch tok.kind {
		case tokenWord:
			if err := e.appendWord(&out, tok.text); err != nil {
				return Phones{}, err
			}
		case tokenNumber:
			for _, w := range spellNumber(tok.text) {
				if err := e.appendWord(&out, w); err != nil {
					return Phones{}, err
				}
			}
		case tokenPunct:
			if sym, ok := punctuationSymbol([]rune(tok.text)[0]); ok {
				out.Append(sym, e.zeros)
			}
		}
	}
	return out, nil
}

func (e *English) appendWord(out *Phones, word string) error {
	phones, err := e.lookup(strings.ToUpper(word))
	if err != nil {
		return err
	}
	for _, ph := range phones {
		out.Append(ph, e.zeros)
	}
	return nil
}

func (e *English) lookup(word string) ([]string, error) {
	if phones, ok := e.dict[word]; ok {
		return phones, nil
	}
	if phones, ok := numberPhones[word]; ok {
		return phones, nil
	}
	if trimmed := strings.Trim(word, "'"); trimmed != word && trimmed != "" {
		return e.lookup(trimmed)
	}
	if folded := foldLatin(word); folded != word {
		return e.lookup(folded)
	}
	var phones []string
	for _, r := range word {
		if r == '\'' {
			continue
		}
		letter, ok := letterPhones[r]
		if !ok {
			return nil, &symbols.UnknownSymbolError{Symbol: string(r)}
		}
		phones = append(phones, letter...)
	}
	return phones, nil
}

var latinLigatures = strings.NewReplacer(
	"ß", "SS", "ẞ", "SS",
	"Æ", "AE", "æ", "AE",
	"Œ", "OE", "œ", "OE",
	"Ø", "O", "ø", "O",
	"Ð", "D", "ð", "D",
	"Þ", "TH", "þ", "TH",
	"Ł", "L", "ł", "L",
	"ı", "I",
)

// foldLatin strips combining marks and spells out letters that do not
// decompose, returning upper case ASCII where it can.
func foldLatin(word string) string {
	word = latinLigatures.Replace(word)
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, word)
	if err != nil {
		return word
	}
	return strings.ToUpper(folded)
}

type latinKind int

const (
	tokenWord latinKind = iota
	tokenNumber
	tokenPunct
)

type latinToken struct {
	kind latinKind
	text string
}

func tokenizeLatin(text string) []latinToken {
	var tokens []latinToken
	rs := []rune(text)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsLetter(r):
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || rs[j] == '\'') {
				j++
			}
			tokens = append(tokens, latinToken{tokenWord, string(rs[i:j])})
			i = j
		case unicode.IsDigit(r):
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || (rs[j] == '.' || rs[j] == ',') && j+1 < len(rs) && unicode.IsDigit(rs[j+1])) {
				j++
			}
			tokens = append(tokens, latinToken{tokenNumber, string(rs[i:j])})
			i = j
		case unicode.IsSpace(r):
			i++
		default:
			tokens = append(tokens, latinToken{tokenPunct, string(r)})
			i++
		}
	}
	return tokens
}

var (
	smallNumbers = []string{
		"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
		"seventeen", "eighteen", "nineteen",
	}
	tens   = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}
	scales = []struct {
		value int64
		name  string
	}{{1_000_000_000, "billion"}, {1_000_000, "million"}, {1_000, "thousand"}}
)

// spellNumber spells a digit string such as "1,250" or "3.14" as words.
func spellNumber(s string) []string {
	s = strings.ReplaceAll(s, ",", "")
	intPart, frac, hasFrac := strings.Cut(s, ".")
	var words []string
	if len(intPart) > 12 {
		words = spellDigits(intPart)
	} else {
		var n int64
		for _, r := range intPart {
			n = n*10 + int64(r-'0')
		}
		words = spellInt(n)
	}
	if hasFrac && frac != "" {
		words = append(words, "point")
		words = append(words, spellDigits(frac)...)
	}
	return words
}

func spellDigits(s string) []string {
	words := make([]string, 0, len(s))
	for _, r := range s {
		words = append(words, smallNumbers[r-'0'])
	}
	return words
}

func spellInt(n int64) []string {
	if n < 20 {
		return []string{smallNumbers[n]}
	}
	if n < 100 {
		words := []string{tens[n/10]}
		if n%10 != 0 {
			words = append(words, smallNumbers[n%10])
		}
		return words
	}
	if n < 1000 {
		words := []string{smallNumbers[n/100], "hundred"}
		if n%100 != 0 {
			words = append(words, spellInt(n%100)...)
		}
		return words
	}
	for _, scale := range scales {
		if n >= scale.value {
			words := append(spellInt(n/scale.value), scale.name)
			if n%scale.value != 0 {
				words = append(words, spellInt(n%scale.value)...)
			}
			return words
		}
	}
	return nil
}

var numberPhones = map[string][]string{
	"ZERO":      {"Z", "IY1", "R", "OW0"},
	"ONE":       {"W", "AH1", "N"},
	"TWO":       {"T", "UW1"},
	"THREE":     {"TH", "R", "IY1"},
	"FOUR":      {"F", "AO1", "R"},
	"FIVE":      {"F", "AY1", "V"},
	"SIX":       {"S", "IH1", "K", "S"},
	"SEVEN":     {"S", "EH1", "V", "AH0", "N"},
	"EIGHT":     {"EY1", "T"},
	"NINE":      {"N", "AY1", "N"},
	"TEN":       {"T", "EH1", "N"},
	"ELEVEN":    {"IH0", "L", "EH1", "V", "AH0", "N"},
	"TWELVE":    {"T", "W", "EH1", "L", "V"},
	"THIRTEEN":  {"TH", "ER1", "T", "IY1", "N"},
	"FOURTEEN":  {"F", "AO1", "R", "T", "IY1", "N"},
	"FIFTEEN":   {"F", "IH0", "F", "T", "IY1", "N"},
	"SIXTEEN":   {"S", "IH0", "K", "S", "T", "IY1", "N"},
	"SEVENTEEN": {"S", "EH1", "V", "AH0", "N", "T", "IY1", "N"},
	"EIGHTEEN":  {"EY0", "T", "IY1", "N"},
	"NINETEEN":  {"N", "AY1", "N", "T", "IY1", "N"},
	"TWENTY":    {"T", "W", "EH1", "N", "T", "IY0"},
	"THIRTY":    {"TH", "ER1", "D", "IY0"},
	"FORTY":     {"F", "AO1", "R", "T", "IY0"},
	"FIFTY":     {"F", "IH1", "F", "T", "IY0"},
	"SIXTY":     {"S", "IH1", "K", "S", "T", "IY0"},
	"SEVENTY":   {"S", "EH1", "V", "AH0", "N", "T", "IY0"},
	"EIGHTY":    {"EY1", "T", "IY0"},
	"NINETY":    {"N", "AY1", "N", "T", "IY0"},
	"HUNDRED":   {"HH", "AH1", "N", "D", "R", "AH0", "D"},
	"THOUSAND":  {"TH", "AW1", "Z", "AH0", "N", "D"},
	"MILLION":   {"M", "IH1", "L", "Y", "AH0", "N"},
	"BILLION":   {"B", "IH1", "L", "Y", "AH0", "N"},
	"POINT":     {"P", "OY1", "N", "T"},
}

var letterPhones = map[rune][]string{
	'A': {"EY1"},
	'B': {"B", "IY1"},
	'C': {"S", "IY1"},
	'D': {"D", "IY1"},
	'E': {"IY1"},
	'F': {"EH1", "F"},
	'G': {"JH", "IY1"},
	'H': {"EY1", "CH"},
	'I': {"AY1"},
	'J': {"JH", "EY1"},
	'K': {"K", "EY1"},
	'L': {"EH1", "L"},
	'M': {"EH1", "M"},
	'N': {"EH1", "N"},
	'O': {"OW1"},
	'P': {"P", "IY1"},
	'Q': {"K", "Y", "UW1"},
	'R': {"AA1", "R"},
	'S': {"EH1", "S"},
	'T': {"T", "IY1"},
	'U': {"Y", "UW1"},
	'V': {"V", "IY1"},
	'W': {"D", "AH1", "B", "AH0", "L", "Y", "UW0"},
	'X': {"EH1", "K", "S"},
	'Y': {"W", "AY1"},
	'Z': {"Z", "IY1"},
}
