// Package store persists named state files as JSON under the runner's
// data directory. Writes are atomic (write to .tmp, then rename) so a
// crash mid-save never leaves a torn file. The watchlist, execution
// bridge, and funnel accumulator each own one named file.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store reads and writes JSON state files in one directory. Operations
// are mutex-protected to serialize file access.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates the state directory for a runner and returns a store over
// it. RunnerID selects the subdirectory so multiple runners share a host.
func Open(dataDir, runnerID string) (*Store, error) {
	dir := dataDir
	if runnerID != "" {
		dir = filepath.Join(dataDir, runnerID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the resolved state directory.
func (s *Store) Dir() string { return s.dir }

// Save atomically persists v as <name>.json.
func (s *Store) Save(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// Load reads <name>.json into out. The first return is false when no
// such file exists yet.
func (s *Store) Load(name string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}
