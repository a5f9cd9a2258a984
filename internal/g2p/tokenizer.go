package g2p

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-voice/internal/nn"
)

const (
	tokenCLS = "[CLS]"
	tokenSEP = "[SEP]"
	tokenUNK = "[UNK]"
)

// Tokenizer is a character level BERT tokenizer. Each non-space rune becomes
// exactly one token, which keeps token positions aligned with characters.
type Tokenizer struct {
	vocab map[string]int64
	cls   int64
	sep   int64
	unk   int64
}

// Encoding is the tokenizer output for one text.
type Encoding struct {
	IDs []int64
	// Positions maps each rune of the input to its token index, or -1 for
	// skipped whitespace.
	Positions []int
}

// LoadVocab reads a vocab.txt with one token per line; the line number is the id.
func LoadVocab(path string) (*Tokenizer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: vocab: %v", nn.ErrAssetLoad, err)
	}
	defer file.Close()

	var tokens []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		tokens = append(tokens, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: vocab: %v", nn.ErrAssetLoad, err)
	}
	return NewTokenizer(tokens)
}

// NewTokenizer builds a tokenizer from an ordered token list.
func NewTokenizer(tokens []string) (*Tokenizer, error) {
	t := &Tokenizer{vocab: make(map[string]int64, len(tokens))}
	for i, tok := range tokens {
		if tok == "" {
			continue
		}
		if _, dup := t.vocab[tok]; !dup {
			t.vocab[tok] = int64(i)
		}
	}
	for _, special := range []struct {
		name string
		dst  *int64
	}{{tokenCLS, &t.cls}, {tokenSEP, &t.sep}, {tokenUNK, &t.unk}} {
		id, ok := t.vocab[special.name]
		if !ok {
			return nil, fmt.Errorf("%w: vocab is missing %s", nn.ErrAssetLoad, special.name)
		}
		*special.dst = id
	}
	return t, nil
}

// Encode tokenizes text as [CLS] c1 c2 ... [SEP].
func (t *Tokenizer) Encode(text string) Encoding {
	enc := Encoding{IDs: []int64{t.cls}}
	for _, r := range text {
		if unicode.IsSpace(r) {
			enc.Positions = append(enc.Positions, -1)
			continue
		}
		enc.Positions = append(enc.Positions, len(enc.IDs))
		enc.IDs = append(enc.IDs, t.lookup(r))
	}
	enc.IDs = append(enc.IDs, t.sep)
	return enc
}

func (t *Tokenizer) lookup(r rune) int64 {
	if id, ok := t.vocab[string(r)]; ok {
		return id
	}
	if id, ok := t.vocab[string(unicode.ToLower(r))]; ok {
		return id
	}
	return t.unk
}

// Tensors returns the ids, token type ids and attention mask as [1, T] tensors.
func (e Encoding) Tensors() (ids, typeIDs, mask nn.Tensor) {
	n := int64(len(e.IDs))
	types := make([]int64, n)
	attn := make([]int64, n)
	for i := range attn {
		attn[i] = 1
	}
	return nn.FromInt64(e.IDs, 1, n), nn.FromInt64(types, 1, n), nn.FromInt64(attn, 1, n)
}
