package symbols

import "strconv"

const (
	// Pad is the padding symbol, always id 0 in the built-in table.
	Pad = "_"
	// Pause marks an inter-word pause.
	Pause = "SP"
	// Unknown is reserved for callers that want an explicit placeholder.
	Unknown = "UNK"
)

// Punctuation lists the pause-carrying punctuation symbols every converter maps to.
var Punctuation = []string{"!", "?", "…", ",", ".", "-"}

// PinyinInitials are the onsets produced by the Chinese converter.
var PinyinInitials = []string{
	"b", "p", "m", "f", "d", "t", "n", "l", "g", "k", "h",
	"j", "q", "x", "zh", "ch", "sh", "r", "z", "c", "s", "y", "w",
}

// PinyinFinals are the rimes produced by the Chinese converter, without tone.
var PinyinFinals = []string{
	"a", "ai", "an", "ang", "ao", "e", "ei", "en", "eng", "er",
	"i", "ia", "ian", "iang", "iao", "ie", "in", "ing", "io", "iong", "iu",
	"o", "ong", "ou", "u", "ua", "uai", "uan", "uang", "ue", "ui", "un", "uo",
	"v", "van", "ve", "vn",
}

// ARPAbet is the English phoneme inventory; vowels carry stress 0-2.
var (
	arpabetVowels     = []string{"AA", "AE", "AH", "AO", "AW", "AY", "EH", "ER", "EY", "IH", "IY", "OW", "OY", "UH", "UW"}
	arpabetConsonants = []string{
		"B", "CH", "D", "DH", "F", "G", "HH", "JH", "K", "L", "M", "N", "NG",
		"P", "R", "S", "SH", "T", "TH", "V", "W", "Y", "Z", "ZH",
	}
)

// JapanesePhonemes is the kana phoneme inventory.
var JapanesePhonemes = []string{
	"a", "i", "u", "e", "o", "N", "cl",
	"k", "s", "sh", "t", "ch", "ts", "n", "h", "f", "m", "y", "r", "w",
	"g", "z", "j", "d", "b", "p",
	"ky", "gy", "ny", "hy", "my", "ry", "by", "py",
}

// DefaultList returns the built-in symbol inventory in id order.
func DefaultList() []string {
	var list []string
	seen := make(map[string]bool)
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			list = append(list, s)
		}
	}

	add(Pad)
	for _, p := range Punctuation {
		add(p)
	}
	add(Pause)
	add(Unknown)
	for _, s := range PinyinInitials {
		add(s)
	}
	for _, f := range PinyinFinals {
		for tone := 1; tone <= 5; tone++ {
			add(f + strconv.Itoa(tone))
		}
	}
	for _, v := range arpabetVowels {
		for stress := 0; stress <= 2; stress++ {
			add(v + strconv.Itoa(stress))
		}
	}
	for _, c := range arpabetConsonants {
		add(c)
	}
	for _, p := range JapanesePhonemes {
		add(p)
	}
	return list
}

// Default returns the built-in table.
func Default() *Table {
	t, err := New(DefaultList())
	if err != nil {
		panic("symbols: built-in table is invalid: " + err.Error())
	}
	return t
}
