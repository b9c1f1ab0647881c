// Package persist stores the stream roster as a single JSON document.
// Only configuration survives a restart; metrics, health, and incident
// state are rebuilt from live probing.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/streamops/lookout/internal/models"
)

// Store reads and writes the roster file. Writes are atomic (temp file
// plus rename) so a crash mid-write never truncates the roster.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the persisted streams. A missing file is an empty
// roster, not an error.
func (s *Store) Load() ([]models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	var streams []models.Stream
	if err := json.Unmarshal(data, &streams); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return streams, nil
}

// Save replaces the roster document with the given streams.
func (s *Store) Save(streams []models.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	data, err := json.MarshalIndent(streams, "", "  ")
	if err != nil {
		return fmt.Errorf("encode roster: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}
