package g2p

import (
	"context"
	"fmt"
	"slices"

	"github.com/loqalabs/loqa-voice/internal/nn"
	"github.com/loqalabs/loqa-voice/internal/symbols"
	"github.com/loqalabs/loqa-voice/internal/text"
)

// Sequence is the model-ready form of a text: symbol ids and one embedding
// row per id.
type Sequence struct {
	IDs        []int64     `msgpack:"ids"`
	Embeddings [][]float32 `msgpack:"emb"`
}

// Len is the number of phones.
func (s Sequence) Len() int { return len(s.IDs) }

// Tensors returns the phone ids as [1, T] and the embeddings as [T, D].
func (s Sequence) Tensors() (phones, embeddings nn.Tensor) {
	t := int64(len(s.IDs))
	var dim int64
	if len(s.Embeddings) > 0 {
		dim = int64(len(s.Embeddings[0]))
	}
	flat := make([]float32, 0, t*dim)
	for _, row := range s.Embeddings {
		flat = append(flat, row...)
	}
	return nn.FromInt64(s.IDs, 1, t), nn.FromFloat32(flat, t, dim)
}

// Router sends each language span to its converter and joins the results.
type Router struct {
	table      *symbols.Table
	converters map[Language]Converter
	fallback   Language
	dim        int
}

// NewRouter validates that every converter agrees on the embedding width.
func NewRouter(table *symbols.Table, converters ...Converter) (*Router, error) {
	if table == nil {
		return nil, fmt.Errorf("%w: symbol table required", nn.ErrAssetLoad)
	}
	if len(converters) == 0 {
		return nil, fmt.Errorf("%w: no converters configured", nn.ErrAssetLoad)
	}
	r := &Router{table: table, converters: make(map[Language]Converter, len(converters))}
	for _, c := range converters {
		lang := c.Language()
		if _, dup := r.converters[lang]; dup {
			return nil, fmt.Errorf("%w: duplicate converter for %s", nn.ErrAssetLoad, lang)
		}
		if r.dim == 0 {
			r.dim = c.EmbeddingDim()
		} else if c.EmbeddingDim() != r.dim {
			return nil, fmt.Errorf("%w: %s embeddings are %d wide, expected %d", nn.ErrAssetLoad, lang, c.EmbeddingDim(), r.dim)
		}
		r.converters[lang] = c
	}
	switch {
	case r.converters[LangZH] != nil:
		r.fallback = LangZH
	case r.converters[LangEN] != nil:
		r.fallback = LangEN
	default:
		r.fallback = converters[0].Language()
	}
	return r, nil
}

// EmbeddingDim is the shared embedding width.
func (r *Router) EmbeddingDim() int { return r.dim }

// Languages lists the configured languages.
func (r *Router) Languages() []Language {
	langs := make([]Language, 0, len(r.converters))
	for l := range r.converters {
		langs = append(langs, l)
	}
	slices.Sort(langs)
	return langs
}

// Convert produces the phone ids and embeddings of text.
func (r *Router) Convert(ctx context.Context, input string) (Sequence, error) {
	spans, err := Detect(input, r.fallback)
	if err != nil {
		return Sequence{}, err
	}

	var seq Sequence
	for _, span := range spans {
		if err := ctx.Err(); err != nil {
			return Sequence{}, err
		}
		conv, ok := r.converters[span.Lang]
		if !ok {
			return Sequence{}, &UnsupportedLanguageError{Text: span.Text, Script: span.Lang.String()}
		}
		phones, err := conv.Convert(ctx, span.Text)
		if err != nil {
			return Sequence{}, fmt.Errorf("%s g2p: %w", span.Lang, err)
		}
		ids, err := r.table.IDs(phones.Symbols)
		if err != nil {
			return Sequence{}, err
		}
		if len(phones.Embeddings) != len(ids) {
			return Sequence{}, fmt.Errorf("%s g2p: %d embeddings for %d phones", span.Lang, len(phones.Embeddings), len(ids))
		}
		seq.IDs = append(seq.IDs, ids...)
		seq.Embeddings = append(seq.Embeddings, phones.Embeddings...)
	}
	if seq.Len() == 0 {
		return Sequence{}, text.ErrEmptyInput
	}
	return seq, nil
}
