package writer

import (
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// ManifestEntry pairs an output file with the subject it belongs to.
type ManifestEntry struct {
	SubjectID string `yaml:"subject_id"`
	Path      string `yaml:"path"`
	Modality  string `yaml:"modality,omitempty"`
}

// Manifest is the ordered list of outputs handed to the upload step. It is
// safe for concurrent use.
type Manifest struct {
	mu      sync.Mutex
	entries []ManifestEntry
}

// Add appends an entry.
func (m *Manifest) Add(e ManifestEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

// Merge appends all entries of other.
func (m *Manifest) Merge(other *Manifest) {
	for _, e := range other.Entries() {
		m.Add(e)
	}
}

// Entries returns a copy of the entries in insertion order.
func (m *Manifest) Entries() []ManifestEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}

// Subjects returns the subject IDs in order of first appearance.
func (m *Manifest) Subjects() []string {
	var out []string
	for _, e := range m.Entries() {
		if !slices.Contains(out, e.SubjectID) {
			out = append(out, e.SubjectID)
		}
	}
	return out
}

type manifestFile struct {
	Entries []ManifestEntry `yaml:"entries"`
}

// Save writes the manifest as YAML.
func (m *Manifest) Save(path string) error {
	data, err := yaml.Marshal(manifestFile{Entries: m.Entries()})
	if err != nil {
		return fmt.Errorf("error marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	return nil
}

// LoadManifest reads a manifest written by Save.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	var f manifestFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	return &Manifest{entries: f.Entries}, nil
}
