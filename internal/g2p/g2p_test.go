package g2p

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/nn"
	"github.com/loqalabs/loqa-voice/internal/symbols"
	"github.com/loqalabs/loqa-voice/internal/text"
)

const testDim = 8

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []Span
	}{
		{
			name:     "english only",
			input:    "Hello world.",
			expected: []Span{{LangEN, "Hello world."}},
		},
		{
			name:     "mixed",
			input:    "我爱 Go 语言",
			expected: []Span{{LangZH, "我爱 "}, {LangEN, "Go "}, {LangZH, "语言"}},
		},
		{
			name:     "leading digits join first span",
			input:    "3 apples",
			expected: []Span{{LangEN, "3 apples"}},
		},
		{
			name:     "digits only use fallback",
			input:    "42",
			expected: []Span{{LangZH, "42"}},
		},
		{
			name:     "kana",
			input:    "こんにちは",
			expected: []Span{{LangJA, "こんにちは"}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Detect(tc.input, LangZH)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if !slices.Equal(got, tc.expected) {
				t.Fatalf("got %+v; want %+v", got, tc.expected)
			}
		})
	}
}

func TestDetectUnsupportedScript(t *testing.T) {
	_, err := Detect("Привет", LangEN)
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
	var langErr *UnsupportedLanguageError
	if !errors.As(err, &langErr) || langErr.Script != "Cyrillic" {
		t.Fatalf("expected Cyrillic script in error, got %v", err)
	}
}

func TestSplitSyllable(t *testing.T) {
	tests := map[string][]string{
		"hao3":   {"h", "ao3"},
		"zhong1": {"zh", "ong1"},
		"le":     {"l", "e5"},
		"an4":    {"an4"},
		"lv4":    {"l", "v4"},
		"ju2":    {"j", "v2"},
		"yuan2":  {"y", "van2"},
		"xue2":   {"x", "ve2"},
		"n2":     {"n", "en2"},
	}
	table := symbols.Default()
	for in, want := range tests {
		got := splitSyllable(in)
		if !slices.Equal(got, want) {
			t.Errorf("splitSyllable(%q) = %v, want %v", in, got, want)
		}
		if _, err := table.IDs(got); err != nil {
			t.Errorf("splitSyllable(%q) produced unknown symbols: %v", in, err)
		}
	}
}

func TestSpellNumber(t *testing.T) {
	tests := map[string]string{
		"0":     "zero",
		"42":    "forty two",
		"1,250": "one thousand two hundred fifty",
		"3.14":  "three point one four",
		"100":   "one hundred",
	}
	for in, want := range tests {
		if got := strings.Join(spellNumber(in), " "); got != want {
			t.Errorf("spellNumber(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEnglishConvert(t *testing.T) {
	dict, err := ParseCMUDict(strings.NewReader(";;; test dictionary\nHELLO  HH AH0 L OW1\nHELLO(1)  HH EH0 L OW1\nWORLD  W ER1 L D\n"))
	if err != nil {
		t.Fatalf("ParseCMUDict: %v", err)
	}
	en, err := NewEnglish(dict, testDim)
	if err != nil {
		t.Fatalf("NewEnglish: %v", err)
	}
	phones, err := en.Convert(context.Background(), "Hello world, OK 2.")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	want := []string{"HH", "AH0", "L", "OW1", "W", "ER1", "L", "D", ",", "OW1", "K", "EY1", "T", "UW1", "."}
	if !slices.Equal(phones.Symbols, want) {
		t.Fatalf("got %v; want %v", phones.Symbols, want)
	}
	for i, row := range phones.Embeddings {
		if len(row) != testDim {
			t.Fatalf("embedding %d has width %d", i, len(row))
		}
	}
}

func TestEnglishFoldsDiacritics(t *testing.T) {
	dict, _ := ParseCMUDict(strings.NewReader("CAFE  K AE0 F EY1\nNAIVE  N AY0 IY1 V\nSTRASSE  SH T R AA1 S AH0\n"))
	en, _ := NewEnglish(dict, testDim)
	tests := []struct {
		in   string
		want []string
	}{
		{"café", []string{"K", "AE0", "F", "EY1"}},
		{"naïve", []string{"N", "AY0", "IY1", "V"}},
		{"straße", []string{"SH", "T", "R", "AA1", "S", "AH0"}},
		{"Ø", []string{"OW1"}},
		{"Æ", []string{"EY1", "IY1"}},
		{"Émile", []string{"IY1", "EH1", "M", "AY1", "EH1", "L", "IY1"}},
	}
	for _, tt := range tests {
		phones, err := en.Convert(context.Background(), tt.in)
		if err != nil {
			t.Fatalf("Convert(%q): %v", tt.in, err)
		}
		if !slices.Equal(phones.Symbols, tt.want) {
			t.Fatalf("Convert(%q) = %v; want %v", tt.in, phones.Symbols, tt.want)
		}
	}
}

func TestEnglishUnmappedLetter(t *testing.T) {
	en, _ := NewEnglish(nil, testDim)
	_, err := en.Convert(context.Background(), "saŋ")
	var symErr *symbols.UnknownSymbolError
	if !errors.As(err, &symErr) || symErr.Symbol != "Ŋ" {
		t.Fatalf("expected unknown symbol Ŋ, got %v", err)
	}
	if !errors.Is(err, symbols.ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestJapaneseConvert(t *testing.T) {
	ja, err := NewJapanese(testDim)
	if err != nil {
		t.Fatalf("NewJapanese: %v", err)
	}
	phones, err := ja.Convert(context.Background(), "きょうはカーっと。")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	want := []string{"ky", "o", "u", "h", "a", "k", "a", "a", "cl", "t", "o", "."}
	if !slices.Equal(phones.Symbols, want) {
		t.Fatalf("got %v; want %v", phones.Symbols, want)
	}
	if _, err := symbols.Default().IDs(phones.Symbols); err != nil {
		t.Fatalf("japanese symbols missing from table: %v", err)
	}
}

func TestJapaneseRareKana(t *testing.T) {
	ja, _ := NewJapanese(testDim)
	phones, err := ja.Convert(context.Background(), "ヵヶヷ")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if want := []string{"k", "a", "k", "e", "b", "a"}; !slices.Equal(phones.Symbols, want) {
		t.Fatalf("got %v; want %v", phones.Symbols, want)
	}

	_, err = ja.Convert(context.Background(), "あゟ")
	var symErr *symbols.UnknownSymbolError
	if !errors.As(err, &symErr) || symErr.Symbol != "ゟ" {
		t.Fatalf("expected unknown symbol ゟ, got %v", err)
	}
}

func TestTokenizer(t *testing.T) {
	tok, err := NewTokenizer([]string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "我", "a"})
	if err != nil {
		t.Fatalf("NewTokenizer: %v", err)
	}
	enc := tok.Encode("我 A你")
	if !slices.Equal(enc.IDs, []int64{2, 4, 5, 1, 3}) {
		t.Fatalf("unexpected ids %v", enc.IDs)
	}
	if !slices.Equal(enc.Positions, []int{1, -1, 2, 3}) {
		t.Fatalf("unexpected positions %v", enc.Positions)
	}

	if _, err := NewTokenizer([]string{"[CLS]", "[SEP]"}); !errors.Is(err, nn.ErrAssetLoad) {
		t.Fatalf("expected ErrAssetLoad for vocab without [UNK], got %v", err)
	}
}

func TestParsePolyphones(t *testing.T) {
	p, err := ParsePolyphones(strings.NewReader("# readings\n行\txing2 hang2\n长\tchang2 zhang3\n银行\tyin2 hang2\n"))
	if err != nil {
		t.Fatalf("ParsePolyphones: %v", err)
	}
	if !slices.Equal(p.Labels(), []string{"xing2", "hang2", "chang2", "zhang3"}) {
		t.Fatalf("unexpected labels %v", p.Labels())
	}
	if readings, ok := p.Phrase("银行"); !ok || readings[1] != "hang2" {
		t.Fatalf("phrase lookup failed: %v", readings)
	}

	if _, err := ParsePolyphones(strings.NewReader("银行\tyin2\n")); err == nil {
		t.Fatalf("expected error for phrase with too few readings")
	}
}

func newChinese(t *testing.T) *Chinese {
	t.Helper()
	dir := t.TempDir()
	dict := filepath.Join(dir, "dict.txt")
	if err := os.WriteFile(dict, []byte("银行 100 n\n你好 100 l\n"), 0o644); err != nil {
		t.Fatalf("write dict: %v", err)
	}
	tok, err := NewTokenizer([]string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "你", "好", "行", "银", "。"})
	if err != nil {
		t.Fatalf("NewTokenizer: %v", err)
	}
	poly, err := ParsePolyphones(strings.NewReader("行\txing2 hang2\n银行\tyin2 hang2\n"))
	if err != nil {
		t.Fatalf("ParsePolyphones: %v", err)
	}
	rt := nn.NewMockRuntime(nn.MockOptions{EmbeddingDim: testDim})
	g2pw, _ := rt.Load(context.Background(), "g2pw.onnx")
	bert, _ := rt.Load(context.Background(), "bert.onnx")
	zh, err := NewChinese(ChineseConfig{
		DictPath:     dict,
		Tokenizer:    tok,
		Polyphones:   poly,
		Polyphone:    g2pw,
		BERT:         bert,
		EmbeddingDim: testDim,
	})
	if err != nil {
		t.Fatalf("NewChinese: %v", err)
	}
	return zh
}

func TestChineseConvert(t *testing.T) {
	zh := newChinese(t)
	phones, err := zh.Convert(context.Background(), "你好。银行")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	want := []string{"n", "i3", "h", "ao3", ".", "y", "in2", "h", "ang2"}
	if !slices.Equal(phones.Symbols, want) {
		t.Fatalf("got %v; want %v", phones.Symbols, want)
	}
	// 你 spans two phones sharing one contextual row
	if !slices.Equal(phones.Embeddings[0], phones.Embeddings[1]) {
		t.Fatalf("phones of one character should share an embedding row")
	}
	if slices.Equal(phones.Embeddings[0], phones.Embeddings[2]) {
		t.Fatalf("different characters should not share an embedding row")
	}
}

func TestChinesePolyphoneModel(t *testing.T) {
	zh := newChinese(t)
	phones, err := zh.Convert(context.Background(), "行")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	// the mock classifier scores label l for char id c as 1+(c+l)%7; 行 has
	// token id 6, so xing2 (label 0) scores 7 and hang2 (label 1) scores 1
	if !slices.Equal(phones.Symbols, []string{"x", "ing2"}) {
		t.Fatalf("got %v", phones.Symbols)
	}
}

func TestStripDigitGrouping(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"第10,000名", "第10000名"},
		{"1,234,567", "1234567"},
		{"1,2,3", "1,2,3"},
		{"12,3456", "12,3456"},
		{"你好,世界", "你好,世界"},
		{"5,000", "5000"},
	}
	for _, tt := range tests {
		if got := stripDigitGrouping(tt.in); got != tt.want {
			t.Fatalf("stripDigitGrouping(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestChineseGroupedNumber(t *testing.T) {
	zh := newChinese(t)
	grouped, err := zh.Convert(context.Background(), "第10,000名")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	plain, err := zh.Convert(context.Background(), "第10000名")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !slices.Equal(grouped.Symbols, plain.Symbols) {
		t.Fatalf("grouped number read as %v; want %v", grouped.Symbols, plain.Symbols)
	}
	if slices.Contains(grouped.Symbols, ",") {
		t.Fatalf("grouping comma became a pause: %v", grouped.Symbols)
	}
}

func TestChineseMissingReading(t *testing.T) {
	zh := newChinese(t)
	runes := []rune("你好")
	enc := Encoding{Positions: []int{-1, -1}}
	_, err := zh.assemble(runes, []string{"ni3", ""}, enc, nil)
	var symErr *symbols.UnknownSymbolError
	if !errors.As(err, &symErr) || symErr.Symbol != "好" {
		t.Fatalf("expected unknown symbol 好, got %v", err)
	}

	phones, err := zh.assemble([]rune("你!"), []string{"ni3", ""}, enc, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if want := []string{"n", "i3", "!"}; !slices.Equal(phones.Symbols, want) {
		t.Fatalf("got %v; want %v", phones.Symbols, want)
	}
}

func TestRouter(t *testing.T) {
	dict, _ := ParseCMUDict(strings.NewReader("HELLO  HH AH0 L OW1\n"))
	en, _ := NewEnglish(dict, testDim)
	zh := newChinese(t)
	router, err := NewRouter(symbols.Default(), zh, en)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	ctx := context.Background()
	seq, err := router.Convert(ctx, "你好 hello")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if seq.Len() != 8 || len(seq.Embeddings) != 8 {
		t.Fatalf("expected 8 phones, got %d ids and %d rows", seq.Len(), len(seq.Embeddings))
	}
	again, err := router.Convert(ctx, "你好 hello")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !slices.Equal(seq.IDs, again.IDs) {
		t.Fatalf("conversion is not deterministic: %v vs %v", seq.IDs, again.IDs)
	}

	phones, emb := seq.Tensors()
	if phones.Shape[1] != 8 || emb.Shape[0] != 8 || emb.Shape[1] != testDim {
		t.Fatalf("unexpected tensor shapes %v %v", phones.Shape, emb.Shape)
	}

	if _, err := router.Convert(ctx, "   "); !errors.Is(err, text.ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if _, err := router.Convert(ctx, "こんにちは"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage without a japanese converter, got %v", err)
	}
}

func TestRouterUnknownSymbol(t *testing.T) {
	dict, _ := ParseCMUDict(strings.NewReader("BOGUS  QQ1\n"))
	en, _ := NewEnglish(dict, testDim)
	router, err := NewRouter(symbols.Default(), en)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	_, err = router.Convert(context.Background(), "bogus")
	var symErr *symbols.UnknownSymbolError
	if !errors.As(err, &symErr) || symErr.Symbol != "QQ1" {
		t.Fatalf("expected unknown symbol QQ1, got %v", err)
	}
}

func TestRouterEmbeddingWidthMismatch(t *testing.T) {
	en, _ := NewEnglish(nil, testDim)
	ja, _ := NewJapanese(testDim * 2)
	if _, err := NewRouter(symbols.Default(), en, ja); !errors.Is(err, nn.ErrAssetLoad) {
		t.Fatalf("expected ErrAssetLoad, got %v", err)
	}
}
