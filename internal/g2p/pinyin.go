package g2p

import "strings"

var (
	singleInitials = "b p m f d t n l g k h j q x r z c s y w"
	vowelReplacer  = strings.NewReplacer("ü", "v", "ê", "e", "u:", "v")
)

// getInitial returns the onset of a toneless pinyin syllable.
func getInitial(py string) string {
	for _, s := range []string{"zh", "ch", "sh"} {
		if strings.HasPrefix(py, s) {
			return s
		}
	}
	if len(py) > 0 && strings.Contains(singleInitials, string(py[0])) {
		return string(py[0])
	}
	return ""
}

// splitSyllable turns a Tone3 syllable such as "hao3", "le" or "lv4" into its
// phone symbols: the initial, if any, followed by final+tone.
func splitSyllable(syllable string) []string {
	base, tone := syllable, "5"
	if n := len(base); n > 0 && base[n-1] >= '1' && base[n-1] <= '5' {
		base, tone = base[:n-1], base[n-1:]
	}
	base = vowelReplacer.Replace(strings.ToLower(base))

	initial := getInitial(base)
	final := strings.TrimPrefix(base, initial)
	switch initial {
	case "j", "q", "x", "y":
		if strings.HasPrefix(final, "u") {
			final = "v" + final[1:]
		}
	}
	switch final {
	case "", "m", "n", "g", "ng":
		// syllabic nasals such as 嗯 and 呣
		final = "en"
	}

	if initial == "" {
		return []string{final + tone}
	}
	return []string{initial, final + tone}
}
