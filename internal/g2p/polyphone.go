package g2p

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voice/internal/nn"
)

// Polyphones holds the candidate readings of polyphonic characters and fixed
// readings for phrases.
//
// The file has one entry per line, key and readings separated by a tab:
//
//	行	xing2 hang2
//	银行	yin2 hang2
//
// A single character key lists its candidates; a phrase key lists one reading
// per character. Lines starting with # are comments.
type Polyphones struct {
	chars   map[rune][]string
	phrases map[string][]string
	labels  []string
	index   map[string]int
}

func LoadPolyphones(path string) (*Polyphones, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: polyphones: %v", nn.ErrAssetLoad, err)
	}
	defer file.Close()
	p, err := ParsePolyphones(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", nn.ErrAssetLoad, path, err)
	}
	return p, nil
}

func ParsePolyphones(r io.Reader) (*Polyphones, error) {
	p := &Polyphones{
		chars:   make(map[rune][]string),
		phrases: make(map[string][]string),
		index:   make(map[string]int),
	}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, rest, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key<TAB>readings", lineNo)
		}
		key = strings.TrimSpace(key)
		readings := strings.Fields(rest)
		if key == "" || len(readings) == 0 {
			return nil, fmt.Errorf("line %d: empty entry", lineNo)
		}
		n := utf8.RuneCountInString(key)
		if n == 1 {
			r, _ := utf8.DecodeRuneInString(key)
			p.chars[r] = readings
			for _, reading := range readings {
				if _, ok := p.index[reading]; !ok {
					p.index[reading] = len(p.labels)
					p.labels = append(p.labels, reading)
				}
			}
			continue
		}
		if len(readings) != n {
			return nil, fmt.Errorf("line %d: phrase %q has %d characters but %d readings", lineNo, key, n, len(readings))
		}
		p.phrases[key] = readings
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// Candidates returns the readings of a polyphonic character.
func (p *Polyphones) Candidates(r rune) ([]string, bool) {
	c, ok := p.chars[r]
	return c, ok
}

// Phrase returns the fixed readings of a phrase.
func (p *Polyphones) Phrase(word string) ([]string, bool) {
	c, ok := p.phrases[word]
	return c, ok
}

// Labels is the classifier output vocabulary.
func (p *Polyphones) Labels() []string { return p.labels }

// polyphoneQuery is one character to disambiguate.
type polyphoneQuery struct {
	char     rune
	position int
}

// classify runs the polyphone model over the whole encoded sentence and picks
// the most likely allowed reading for every queried character.
func (p *Polyphones) classify(ctx context.Context, model nn.Model, enc Encoding, queries []polyphoneQuery) ([]string, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	n, labels := int64(len(queries)), int64(len(p.labels))
	mask := make([]float32, n*labels)
	charIDs := make([]int64, n)
	positions := make([]int64, n)
	for i, q := range queries {
		for _, reading := range p.chars[q.char] {
			mask[int64(i)*labels+int64(p.index[reading])] = 1
		}
		charIDs[i] = enc.IDs[q.position]
		positions[i] = int64(q.position)
	}
	ids, types, attn := enc.Tensors()
	out, err := model.Forward(ctx, ids, types, attn,
		nn.FromFloat32(mask, n, labels),
		nn.FromInt64(charIDs, n),
		nn.FromInt64(positions, n),
	)
	if err != nil {
		return nil, err
	}
	rows, err := out.Rows()
	if err != nil || int64(len(rows)) != n {
		return nil, fmt.Errorf("%w: polyphone output %v for %d characters", nn.ErrRuntimeForward, out.Shape, n)
	}

	readings := make([]string, n)
	for i, row := range rows {
		best, bestScore := -1, float32(0)
		for l, score := range row {
			if mask[int64(i)*labels+int64(l)] == 0 {
				continue
			}
			if best < 0 || score > bestScore {
				best, bestScore = l, score
			}
		}
		if best < 0 {
			return nil, fmt.Errorf("%w: no allowed reading for %q", nn.ErrRuntimeForward, queries[i].char)
		}
		readings[i] = p.labels[best]
	}
	return readings, nil
}
