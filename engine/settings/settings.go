// Package settings persists the handful of values bambulink learns at runtime
// and needs back after a restart, e.g. the printer IP found by rediscovery.
// Values live as small files under the agent's state directory so they survive
// restarts without any database.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Store struct {
	mu  sync.Mutex
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating settings dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Get returns the stored value for key, or fallback if it was never set.
func (s *Store) Get(key, fallback string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(s.dir, key))
	if err != nil {
		return fallback
	}
	return strings.TrimSpace(string(raw))
}

// Set writes the value durably. Writes go through a temp file + rename so a
// crash mid-write can't leave a torn value behind.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := filepath.Join(s.dir, "."+key+".tmp")
	if err := os.WriteFile(tmp, []byte(value), 0644); err != nil {
		return fmt.Errorf("writing setting %q: %w", key, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, key)); err != nil {
		return fmt.Errorf("swapping setting %q: %w", key, err)
	}
	return nil
}
