package voicepack

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `metadata:
  name: alice
  version: 0.1.0
  description: Warm narration voice
  author: Loqa Labs
model: alice.onnx
reference:
  audio: ref.wav
  text: Nice to meet you.
languages:
  - en
  - zh
`

func writePack(t *testing.T, root, name, manifest string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if manifest != "" {
		if err := os.WriteFile(filepath.Join(dir, ManifestName), []byte(manifest), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadValidManifest(t *testing.T) {
	dir := writePack(t, t.TempDir(), "alice", validYAML)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if m.ModelPath() != filepath.Join(dir, "alice.onnx") {
		t.Fatalf("unexpected model path %s", m.ModelPath())
	}
	if m.AudioPath() != filepath.Join(dir, "ref.wav") {
		t.Fatalf("unexpected audio path %s", m.AudioPath())
	}
	if m.Reference.Text != "Nice to meet you." {
		t.Fatalf("unexpected reference text %q", m.Reference.Text)
	}
}

func TestAbsolutePathsAreKept(t *testing.T) {
	m := Manifest{Model: "/models/bob.onnx", Dir: "/packs/bob"}
	if m.ModelPath() != "/models/bob.onnx" {
		t.Fatalf("absolute model path rewritten to %s", m.ModelPath())
	}
}

func TestValidateMissingFields(t *testing.T) {
	tests := []struct {
		name string
		m    Manifest
	}{
		{"empty", Manifest{}},
		{"no version", Manifest{Metadata: Metadata{Name: "x"}}},
		{"no model", Manifest{Metadata: Metadata{Name: "x", Version: "1"}}},
		{"no audio", Manifest{Metadata: Metadata{Name: "x", Version: "1"}, Model: "m.onnx"}},
		{"no text", Manifest{Metadata: Metadata{Name: "x", Version: "1"}, Model: "m.onnx", Reference: ReferenceSpec{Audio: "a.wav"}}},
		{"bad language", Manifest{Metadata: Metadata{Name: "x", Version: "1"}, Model: "m.onnx", Reference: ReferenceSpec{Audio: "a.wav", Text: "hi"}, Languages: []string{"ru"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := Validate(tc.m); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writePack(t, root, "b-alice", validYAML)
	writePack(t, root, "a-broken", "metadata:\n  name: broken\n")
	writePack(t, root, "c-empty", "")
	if err := os.WriteFile(filepath.Join(root, "README"), []byte("packs"), 0o644); err != nil {
		t.Fatal(err)
	}

	packs, err := Discover(root)
	if err == nil {
		t.Fatalf("expected the broken pack to be reported")
	}
	if len(packs) != 1 || packs[0].Metadata.Name != "alice" {
		t.Fatalf("unexpected packs %+v", packs)
	}
}
