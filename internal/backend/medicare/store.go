package medicare

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DatasetInfo describes one published Medicare dataset.
type DatasetInfo struct {
	Description string           `json:"description"`
	Columns     []string         `json:"columns,omitempty"`
	Rows        []map[string]any `json:"-"`
}

// datasets is the static catalog the server publishes. Row data is a small
// bundled sample; the shape matches the public Medicare API exports.
var datasets = map[string]DatasetInfo{
	"nursing_home_dataset": {
		Description: "Nursing home provider information",
		Columns:     []string{"provider_id", "provider_name", "state", "overall_rating"},
		Rows: []map[string]any{
			{"provider_id": "015009", "provider_name": "Burns Nursing Home", "state": "AL", "overall_rating": 4},
			{"provider_id": "015012", "provider_name": "Coosa Valley Healthcare", "state": "AL", "overall_rating": 3},
		},
	},
	"deficit_reduction_dataset": {
		Description: "Deficit Reduction Act Hospital-Acquired Condition data",
		Columns:     []string{"hospital_id", "hospital_name", "measure", "score"},
		Rows: []map[string]any{
			{"hospital_id": "010001", "hospital_name": "Southeast Health", "measure": "HAC", "score": 0.82},
		},
	},
}

// DocumentStore serves Medicare documents from a directory. Filenames are
// flattened: requests may not escape the root.
type DocumentStore struct {
	root string
}

// NewDocumentStore validates the directory and returns a store over it.
func NewDocumentStore(root string) (*DocumentStore, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("documents dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("documents dir %s is not a directory", root)
	}
	return &DocumentStore{root: root}, nil
}

// List returns the available document filenames, sorted.
func (s *DocumentStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read returns one document's contents by bare filename.
func (s *DocumentStore) Read(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) {
		return "", fmt.Errorf("invalid document name %q", filename)
	}
	data, err := os.ReadFile(filepath.Join(s.root, filename))
	if err != nil {
		return "", fmt.Errorf("read document %s: %w", filename, err)
	}
	return string(data), nil
}
