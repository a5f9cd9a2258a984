// Package symbols holds the phoneme symbol table shared by every G2P stage.
package symbols

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ErrUnknownSymbol is returned when a phoneme has no id in the table.
var ErrUnknownSymbol = errors.New("unknown symbol")

// UnknownSymbolError reports the offending symbol.
type UnknownSymbolError struct {
	Symbol string
}

func (e *UnknownSymbolError) Error() string {
	return fmt.Sprintf("unknown symbol %q", e.Symbol)
}

func (e *UnknownSymbolError) Unwrap() error { return ErrUnknownSymbol }

// Table maps phoneme symbols to integer ids. It is immutable once built.
type Table struct {
	ids     map[string]int64
	symbols []string
}

// New builds a table assigning ids in slice order. Duplicates are rejected.
func New(list []string) (*Table, error) {
	t := &Table{
		ids:     make(map[string]int64, len(list)),
		symbols: make([]string, 0, len(list)),
	}
	for i, s := range list {
		if s == "" {
			return nil, fmt.Errorf("symbol %d is empty", i)
		}
		if _, dup := t.ids[s]; dup {
			return nil, fmt.Errorf("duplicate symbol %q", s)
		}
		t.ids[s] = int64(i)
		t.symbols = append(t.symbols, s)
	}
	return t, nil
}

// Load reads a token file where each line is "symbol id".
func Load(path string) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	ids := make(map[string]int64)
	seen := make(map[int64]string)
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%s:%d: expected \"symbol id\"", path, lineNo)
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("%s:%d: invalid id %q", path, lineNo, parts[1])
		}
		if _, dup := ids[parts[0]]; dup {
			return nil, fmt.Errorf("%s:%d: duplicate symbol %q", path, lineNo, parts[0])
		}
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("%s:%d: id %d already used by %q", path, lineNo, id, prev)
		}
		ids[parts[0]] = id
		seen[id] = parts[0]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s: no symbols", path)
	}

	t := &Table{ids: ids, symbols: make([]string, 0, len(ids))}
	for s := range ids {
		t.symbols = append(t.symbols, s)
	}
	sort.Slice(t.symbols, func(i, j int) bool { return ids[t.symbols[i]] < ids[t.symbols[j]] })
	return t, nil
}

// ID returns the id of s.
func (t *Table) ID(s string) (int64, error) {
	id, ok := t.ids[s]
	if !ok {
		return 0, &UnknownSymbolError{Symbol: s}
	}
	return id, nil
}

// IDs maps a symbol sequence, failing on the first unknown symbol.
func (t *Table) IDs(seq []string) ([]int64, error) {
	out := make([]int64, len(seq))
	for i, s := range seq {
		id, err := t.ID(s)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

// Has reports whether s is in the table.
func (t *Table) Has(s string) bool {
	_, ok := t.ids[s]
	return ok
}

// Len returns the number of symbols.
func (t *Table) Len() int { return len(t.symbols) }

// Symbols returns the symbols ordered by id.
func (t *Table) Symbols() []string {
	return append([]string(nil), t.symbols...)
}
