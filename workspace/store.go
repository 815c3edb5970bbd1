package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store persists the workspace snapshot as a single JSON document. Writes go
// through a temp file and rename so a crash never leaves a torn snapshot.
type Store struct {
	path string
}

// NewStore constructs a filesystem-backed snapshot store rooted at path.
func NewStore(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace: store path required")
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("workspace: create store directory: %w", err)
		}
	}
	return &Store{path: trimmed}, nil
}

// Load reads the persisted snapshot. A missing file is an empty directory, not
// an error.
func (s *Store) Load() ([]*Workspace, error) {
	if s == nil {
		return nil, nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: read snapshot: %w", err)
	}
	var out []*Workspace
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("workspace: parse snapshot: %w", err)
	}
	return out, nil
}

// Save writes the full snapshot atomically, sorted by id so successive
// snapshots diff cleanly.
func (s *Store) Save(workspaces []*Workspace) error {
	if s == nil {
		return fmt.Errorf("workspace: store not initialised")
	}
	sorted := append([]*Workspace(nil), workspaces...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "workspaces-*.tmp")
	if err != nil {
		return fmt.Errorf("workspace: create temp snapshot: %w", err)
	}
	cleanup := func() {
		_ = os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		tmp.Close()
		return fmt.Errorf("workspace: write snapshot: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		tmp.Close()
		return fmt.Errorf("workspace: chmod snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("workspace: close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		cleanup()
		return fmt.Errorf("workspace: replace snapshot: %w", err)
	}
	return nil
}
