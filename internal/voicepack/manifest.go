// Package voicepack loads voice packs: directories holding a speaker model, a
// reference clip and a voice.yaml manifest describing them.
package voicepack

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// ManifestName is the manifest file inside a pack directory.
const ManifestName = "voice.yaml"

// Manifest describes a voice pack.
type Manifest struct {
	Metadata  Metadata      `yaml:"metadata"`
	Model     string        `yaml:"model"`
	Reference ReferenceSpec `yaml:"reference"`
	Languages []string      `yaml:"languages,omitempty"`

	// Dir is the pack directory; relative paths resolve against it.
	Dir string `yaml:"-"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

type ReferenceSpec struct {
	Audio string `yaml:"audio"`
	Text  string `yaml:"text"`
}

var supportedLanguages = []string{"zh", "en", "ja"}

// Load reads the manifest of the pack in dir.
func Load(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", filepath.Join(dir, ManifestName), err)
	}
	m.Dir = dir
	return m, nil
}

// Validate ensures the manifest contains the required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if m.Model == "" {
		return fmt.Errorf("model is required")
	}
	if m.Reference.Audio == "" {
		return fmt.Errorf("reference.audio is required")
	}
	if m.Reference.Text == "" {
		return fmt.Errorf("reference.text is required")
	}
	for _, lang := range m.Languages {
		if !slices.Contains(supportedLanguages, lang) {
			return fmt.Errorf("language %q not supported", lang)
		}
	}
	return nil
}

// ModelPath is the model location resolved against the pack directory.
func (m Manifest) ModelPath() string { return m.resolve(m.Model) }

// AudioPath is the reference clip location resolved against the pack directory.
func (m Manifest) AudioPath() string { return m.resolve(m.Reference.Audio) }

func (m Manifest) resolve(p string) string {
	if filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// Discover loads and validates every pack directly under root, in name
// order. Subdirectories without a manifest are skipped. Invalid packs are
// reported together and excluded from the result.
func Discover(root string) ([]Manifest, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var (
		packs []Manifest
		errs  []error
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		m, err := Load(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err == nil {
			err = Validate(m)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("voice pack %s: %w", e.Name(), err))
			continue
		}
		packs = append(packs, m)
	}
	return packs, errors.Join(errs...)
}
