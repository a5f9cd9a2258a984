package symbols

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultTable(t *testing.T) {
	table := Default()
	if id, err := table.ID(Pad); err != nil || id != 0 {
		t.Fatalf("expected pad id 0, got %d (%v)", id, err)
	}
	for _, s := range []string{"SP", ",", "zh", "ang4", "v3", "AH0", "NG", "cl", "ky"} {
		if !table.Has(s) {
			t.Fatalf("expected %q in default table", s)
		}
	}
	if table.Len() != len(table.Symbols()) {
		t.Fatalf("length mismatch")
	}
}

func TestUnknownSymbol(t *testing.T) {
	table := Default()
	_, err := table.IDs([]string{"a1", "not-a-phone"})
	if !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
	var unk *UnknownSymbolError
	if !errors.As(err, &unk) || unk.Symbol != "not-a-phone" {
		t.Fatalf("expected symbol in error, got %v", err)
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	if _, err := New([]string{"a", "b", "a"}); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.txt")
	data := "_ 0\n# comment\nSP 3\na1 7\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write tokens: %v", err)
	}
	table, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ids, err := table.IDs([]string{"a1", "SP", "_"})
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	want := []int64{7, 3, 0}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids[%d] = %d, want %d", i, ids[i], want[i])
		}
	}
	if got := table.Symbols(); got[0] != "_" || got[2] != "a1" {
		t.Fatalf("symbols not ordered by id: %v", got)
	}
}

func TestLoadRejectsDuplicateID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.txt")
	if err := os.WriteFile(path, []byte("a 1\nb 1\n"), 0o644); err != nil {
		t.Fatalf("write tokens: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected duplicate id error")
	}
}
