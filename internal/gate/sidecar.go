package gate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// JSONSidecar stores disabled queries as a JSON array of strings.
type JSONSidecar struct {
	path string
}

// NewJSONSidecar creates a sidecar at path.
func NewJSONSidecar(path string) *JSONSidecar {
	return &JSONSidecar{path: path}
}

// Path returns the file path.
func (s *JSONSidecar) Path() string { return s.path }

// Load reads the disabled queries. A missing file is an empty set.
func (s *JSONSidecar) Load(_ context.Context) ([]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "gate: read %s", s.path)
	}
	var queries []string
	if err := json.Unmarshal(data, &queries); err != nil {
		return nil, eris.Wrapf(err, "gate: parse %s", s.path)
	}
	return queries, nil
}

// Save writes the queries to a temp file and renames it over the sidecar.
func (s *JSONSidecar) Save(_ context.Context, queries []string) error {
	if queries == nil {
		queries = []string{}
	}
	data, err := json.MarshalIndent(queries, "", "  ")
	if err != nil {
		return eris.Wrap(err, "gate: marshal disabled queries")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "gate: create dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "gate: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "gate: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "gate: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "gate: close temp file")
	}
	return eris.Wrapf(os.Rename(tmpName, s.path), "gate: replace %s", s.path)
}
