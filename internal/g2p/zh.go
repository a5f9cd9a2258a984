package g2p

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-ego/gse"
	"github.com/mozillazg/go-pinyin"
	"github.com/up-zero/gotool/convertutil"

	"github.com/loqalabs/loqa-voice/internal/nn"
	"github.com/loqalabs/loqa-voice/internal/symbols"
)

// ChineseConfig wires the Chinese converter. Models are owned by the caller.
type ChineseConfig struct {
	// DictPath is a gse dictionary; empty uses the embedded one.
	DictPath     string
	Tokenizer    *Tokenizer
	Polyphones   *Polyphones
	Polyphone    nn.Model
	BERT         nn.Model
	EmbeddingDim int
}

// Chinese converts Han text to pinyin phones with contextual embeddings.
type Chinese struct {
	seg   gse.Segmenter
	args  pinyin.Args
	tok   *Tokenizer
	poly  *Polyphones
	g2pw  nn.Model
	bert  nn.Model
	dim   int
	zeros []float32
}

func NewChinese(cfg ChineseConfig) (*Chinese, error) {
	if cfg.Tokenizer == nil {
		return nil, fmt.Errorf("%w: chinese converter requires a tokenizer", nn.ErrAssetLoad)
	}
	if cfg.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("%w: embedding dim must be positive", nn.ErrAssetLoad)
	}
	c := &Chinese{
		tok:   cfg.Tokenizer,
		poly:  cfg.Polyphones,
		g2pw:  cfg.Polyphone,
		bert:  cfg.BERT,
		dim:   cfg.EmbeddingDim,
		zeros: make([]float32, cfg.EmbeddingDim),
	}
	c.seg.SkipLog = true
	var err error
	if cfg.DictPath != "" {
		err = c.seg.LoadDict(cfg.DictPath)
	} else {
		err = c.seg.LoadDictEmbed()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: segmentation dictionary: %v", nn.ErrAssetLoad, err)
	}

	c.args = pinyin.NewArgs()
	c.args.Style = pinyin.Tone3
	return c, nil
}

func (c *Chinese) Language() Language { return LangZH }

func (c *Chinese) EmbeddingDim() int { return c.dim }

func (c *Chinese) Convert(ctx context.Context, text string) (Phones, error) {
	text = convertutil.TextToChinese(stripDigitGrouping(text))
	runes := []rune(text)
	enc := c.tok.Encode(text)

	readings, err := c.readings(ctx, text, runes, enc)
	if err != nil {
		return Phones{}, err
	}
	hidden, err := c.hidden(ctx, enc)
	if err != nil {
		return Phones{}, err
	}
	return c.assemble(runes, readings, enc, hidden)
}

// assemble expands each character's reading into phones. A Han character
// without a reading is an error.
func (c *Chinese) assemble(runes []rune, readings []string, enc Encoding, hidden [][]float32) (Phones, error) {
	var out Phones
	for i, r := range runes {
		row := c.zeros
		if pos := enc.Positions[i]; pos >= 0 && hidden != nil {
			row = hidden[pos]
		}
		if readings[i] != "" {
			for _, sym := range splitSyllable(readings[i]) {
				out.Append(sym, row)
			}
			continue
		}
		if sym, ok := punctuationSymbol(r); ok {
			out.Append(sym, row)
			continue
		}
		if unicode.Is(unicode.Han, r) {
			return Phones{}, &symbols.UnknownSymbolError{Symbol: string(r)}
		}
	}
	return out, nil
}

// stripDigitGrouping drops thousands separators so "10,000" reads as one
// number rather than two.
func stripDigitGrouping(text string) string {
	if !strings.Contains(text, ",") {
		return text
	}
	rs := []rune(text)
	var b strings.Builder
	b.Grow(len(text))
	for i, r := range rs {
		if r == ',' && i > 0 && isDigit(rs[i-1]) && groupFollows(rs[i+1:]) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// groupFollows reports whether rs starts with exactly three digits.
func groupFollows(rs []rune) bool {
	if len(rs) < 3 {
		return false
	}
	for _, r := range rs[:3] {
		if !isDigit(r) {
			return false
		}
	}
	return len(rs) == 3 || !isDigit(rs[3])
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

// readings resolves one pinyin syllable per Han character. Phrase entries win,
// then the polyphone model for listed characters, then the pinyin dictionary.
func (c *Chinese) readings(ctx context.Context, text string, runes []rune, enc Encoding) ([]string, error) {
	readings := make([]string, len(runes))
	words := c.seg.Cut(text, true)
	if strings.Join(words, "") != text {
		words = []string{text}
	}

	var (
		queries []polyphoneQuery
		targets []int
	)
	offset := 0
	for _, word := range words {
		wr := []rune(word)
		if c.poly != nil {
			if fixed, ok := c.poly.Phrase(word); ok {
				copy(readings[offset:], fixed)
				offset += len(wr)
				continue
			}
		}
		for i, r := range wr {
			idx := offset + i
			if !unicode.Is(unicode.Han, r) {
				continue
			}
			if c.poly != nil && c.g2pw != nil {
				if cands, ok := c.poly.Candidates(r); ok && len(cands) > 1 {
					queries = append(queries, polyphoneQuery{char: r, position: enc.Positions[idx]})
					targets = append(targets, idx)
					continue
				}
			}
			readings[idx] = c.dictReading(r)
		}
		offset += len(wr)
	}

	if len(queries) > 0 {
		picked, err := c.poly.classify(ctx, c.g2pw, enc, queries)
		if err != nil {
			return nil, err
		}
		for i, idx := range targets {
			readings[idx] = picked[i]
		}
	}
	return readings, nil
}

func (c *Chinese) dictReading(r rune) string {
	py := pinyin.Pinyin(string(r), c.args)
	if len(py) == 0 || len(py[0]) == 0 {
		return ""
	}
	return py[0][0]
}

// hidden returns one embedding row per token, or nil without a BERT model.
func (c *Chinese) hidden(ctx context.Context, enc Encoding) ([][]float32, error) {
	if c.bert == nil {
		return nil, nil
	}
	ids, types, attn := enc.Tensors()
	out, err := c.bert.Forward(ctx, ids, attn, types)
	if err != nil {
		return nil, err
	}
	rows, err := out.Rows()
	if err != nil {
		return nil, fmt.Errorf("%w: bert output: %v", nn.ErrRuntimeForward, err)
	}
	if len(rows) != len(enc.IDs) {
		return nil, fmt.Errorf("%w: bert returned %d rows for %d tokens", nn.ErrRuntimeForward, len(rows), len(enc.IDs))
	}
	if len(rows) > 0 && len(rows[0]) != c.dim {
		return nil, fmt.Errorf("%w: bert width %d, configured %d", nn.ErrRuntimeForward, len(rows[0]), c.dim)
	}
	return rows, nil
}
