package g2p

import (
	"context"
	"fmt"
	"unicode"

	"github.com/loqalabs/loqa-voice/internal/nn"
	"github.com/loqalabs/loqa-voice/internal/symbols"
)

// Japanese reads kana phonetically. Kanji is not handled; the detector routes
// Han characters to the Chinese converter. Kana with no reading is an error.
type Japanese struct {
	dim   int
	zeros []float32
}

func NewJapanese(dim int) (*Japanese, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: embedding dim must be positive", nn.ErrAssetLoad)
	}
	return &Japanese{dim: dim, zeros: make([]float32, dim)}, nil
}

func (j *Japanese) Language() Language { return LangJA }

func (j *Japanese) EmbeddingDim() int { return j.dim }

func (j *Japanese) Convert(ctx context.Context, text string) (Phones, error) {
	if err := ctx.Err(); err != nil {
		return Phones{}, err
	}
	rs := []rune(text)
	for i, r := range rs {
		rs[i] = toHiragana(r)
	}

	var (
		out       Phones
		lastVowel string
	)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch r {
		case 'っ':
			out.Append("cl", j.zeros)
			continue
		case 'ん':
			out.Append("N", j.zeros)
			continue
		case 'ー':
			if lastVowel != "" {
				out.Append(lastVowel, j.zeros)
			}
			continue
		}
		if i+1 < len(rs) {
			if phones, ok := kanaDigraphs[string(rs[i:i+2])]; ok {
				for _, p := range phones {
					out.Append(p, j.zeros)
				}
				lastVowel = phones[len(phones)-1]
				i++
				continue
			}
		}
		if phones, ok := kanaPhones[r]; ok {
			for _, p := range phones {
				out.Append(p, j.zeros)
			}
			lastVowel = phones[len(phones)-1]
			continue
		}
		if sym, ok := punctuationSymbol(r); ok {
			out.Append(sym, j.zeros)
			continue
		}
		if unicode.In(r, unicode.Hiragana, unicode.Katakana) {
			return Phones{}, &symbols.UnknownSymbolError{Symbol: string(r)}
		}
	}
	return out, nil
}

func toHiragana(r rune) rune {
	if r >= 'ァ' && r <= 'ヶ' {
		return r - 0x60
	}
	return r
}

var kanaPhones = map[rune][]string{
	'あ': {"a"}, 'い': {"i"}, 'う': {"u"}, 'え': {"e"}, 'お': {"o"},
	'ぁ': {"a"}, 'ぃ': {"i"}, 'ぅ': {"u"}, 'ぇ': {"e"}, 'ぉ': {"o"},
	'か': {"k", "a"}, 'き': {"k", "i"}, 'く': {"k", "u"}, 'け': {"k", "e"}, 'こ': {"k", "o"},
	'が': {"g", "a"}, 'ぎ': {"g", "i"}, 'ぐ': {"g", "u"}, 'げ': {"g", "e"}, 'ご': {"g", "o"},
	'さ': {"s", "a"}, 'し': {"sh", "i"}, 'す': {"s", "u"}, 'せ': {"s", "e"}, 'そ': {"s", "o"},
	'ざ': {"z", "a"}, 'じ': {"j", "i"}, 'ず': {"z", "u"}, 'ぜ': {"z", "e"}, 'ぞ': {"z", "o"},
	'た': {"t", "a"}, 'ち': {"ch", "i"}, 'つ': {"ts", "u"}, 'て': {"t", "e"}, 'と': {"t", "o"},
	'だ': {"d", "a"}, 'ぢ': {"j", "i"}, 'づ': {"z", "u"}, 'で': {"d", "e"}, 'ど': {"d", "o"},
	'な': {"n", "a"}, 'に': {"n", "i"}, 'ぬ': {"n", "u"}, 'ね': {"n", "e"}, 'の': {"n", "o"},
	'は': {"h", "a"}, 'ひ': {"h", "i"}, 'ふ': {"f", "u"}, 'へ': {"h", "e"}, 'ほ': {"h", "o"},
	'ば': {"b", "a"}, 'び': {"b", "i"}, 'ぶ': {"b", "u"}, 'べ': {"b", "e"}, 'ぼ': {"b", "o"},
	'ぱ': {"p", "a"}, 'ぴ': {"p", "i"}, 'ぷ': {"p", "u"}, 'ぺ': {"p", "e"}, 'ぽ': {"p", "o"},
	'ま': {"m", "a"}, 'み': {"m", "i"}, 'む': {"m", "u"}, 'め': {"m", "e"}, 'も': {"m", "o"},
	'や': {"y", "a"}, 'ゆ': {"y", "u"}, 'よ': {"y", "o"},
	'ゃ': {"y", "a"}, 'ゅ': {"y", "u"}, 'ょ': {"y", "o"},
	'ら': {"r", "a"}, 'り': {"r", "i"}, 'る': {"r", "u"}, 'れ': {"r", "e"}, 'ろ': {"r", "o"},
	'わ': {"w", "a"}, 'ゐ': {"i"}, 'ゑ': {"e"}, 'を': {"o"}, 'ゔ': {"b", "u"},
	'ゎ': {"w", "a"}, 'ゕ': {"k", "a"}, 'ゖ': {"k", "e"},
	'ヷ': {"b", "a"}, 'ヸ': {"b", "i"}, 'ヹ': {"b", "e"}, 'ヺ': {"b", "o"},
}

var kanaDigraphs = map[string][]string{
	"きゃ": {"ky", "a"}, "きゅ": {"ky", "u"}, "きょ": {"ky", "o"},
	"ぎゃ": {"gy", "a"}, "ぎゅ": {"gy", "u"}, "ぎょ": {"gy", "o"},
	"しゃ": {"sh", "a"}, "しゅ": {"sh", "u"}, "しょ": {"sh", "o"}, "しぇ": {"sh", "e"},
	"じゃ": {"j", "a"}, "じゅ": {"j", "u"}, "じょ": {"j", "o"}, "じぇ": {"j", "e"},
	"ちゃ": {"ch", "a"}, "ちゅ": {"ch", "u"}, "ちょ": {"ch", "o"}, "ちぇ": {"ch", "e"},
	"にゃ": {"ny", "a"}, "にゅ": {"ny", "u"}, "にょ": {"ny", "o"},
	"ひゃ": {"hy", "a"}, "ひゅ": {"hy", "u"}, "ひょ": {"hy", "o"},
	"みゃ": {"my", "a"}, "みゅ": {"my", "u"}, "みょ": {"my", "o"},
	"りゃ": {"ry", "a"}, "りゅ": {"ry", "u"}, "りょ": {"ry", "o"},
	"びゃ": {"by", "a"}, "びゅ": {"by", "u"}, "びょ": {"by", "o"},
	"ぴゃ": {"py", "a"}, "ぴゅ": {"py", "u"}, "ぴょ": {"py", "o"},
	"ふぁ": {"f", "a"}, "ふぃ": {"f", "i"}, "ふぇ": {"f", "e"}, "ふぉ": {"f", "o"},
	"てぃ": {"t", "i"}, "でぃ": {"d", "i"}, "とぅ": {"t", "u"}, "どぅ": {"d", "u"},
	"うぃ": {"w", "i"}, "うぇ": {"w", "e"}, "うぉ": {"w", "o"},
	"つぁ": {"ts", "a"}, "つぇ": {"ts", "e"}, "つぉ": {"ts", "o"},
}
