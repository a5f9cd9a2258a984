package g2p

import "context"

// Phones is converter output: one embedding row per symbol.
type Phones struct {
	Symbols    []string
	Embeddings [][]float32
}

// Append adds symbol with embedding row emb.
func (p *Phones) Append(symbol string, emb []float32) {
	p.Symbols = append(p.Symbols, symbol)
	p.Embeddings = append(p.Embeddings, emb)
}

// Converter turns text in one language into phones.
type Converter interface {
	Language() Language
	EmbeddingDim() int
	Convert(ctx context.Context, text string) (Phones, error)
}

// punctuationSymbol maps a rune to the pause symbol it produces, if any.
func punctuationSymbol(r rune) (string, bool) {
	switch r {
	case ',', '，', '、', ';', '；', ':', '：':
		return ",", true
	case '.', '。':
		return ".", true
	case '!', '！', '¡':
		return "!", true
	case '?', '？', '¿':
		return "?", true
	case '…':
		return "…", true
	case '-', '—', '–', '~', '～':
		return "-", true
	}
	return "", false
}
