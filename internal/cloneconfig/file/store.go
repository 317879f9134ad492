// Package file provides a file-based cloneconfig.Store implementation,
// grounded on internal/config/file.Store's envelope-versioned,
// atomic-write-with-round-trip-validation discipline.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"clonekernel/internal/cloneconfig"
)

const currentVersion = 1

// envelope is the versioned on-disk format.
type envelope struct {
	Version int                 `json:"version"`
	Config  *cloneconfig.Config `json:"config"`
}

// Store is a file-based cloneconfig.Store implementation. Configuration
// is persisted as JSON for human readability; writes are atomic via
// temp file + rename with round-trip validation.
type Store struct {
	path string
}

var _ cloneconfig.Store = (*Store)(nil)

// NewStore creates a Store persisting to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the configuration from disk. Returns nil if the file does
// not exist.
func (s *Store) Load(ctx context.Context) (*cloneconfig.Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cloneconfig: read config file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("cloneconfig: parse config file: %w", err)
	}
	if env.Version == 0 {
		return nil, fmt.Errorf("cloneconfig: unversioned config file detected; delete %s and restart to bootstrap a fresh config", s.path)
	}
	if env.Version > currentVersion {
		return nil, fmt.Errorf("cloneconfig: config file version %d is newer than supported version %d", env.Version, currentVersion)
	}
	return env.Config, nil
}

// Save atomically writes cfg to disk with round-trip validation.
func (s *Store) Save(ctx context.Context, cfg *cloneconfig.Config) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("cloneconfig: create config directory: %w", err)
	}

	env := envelope{Version: currentVersion, Config: cfg}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("cloneconfig: marshal config: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("cloneconfig: write temp file: %w", err)
	}

	check, err := os.ReadFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cloneconfig: read-back temp file: %w", err)
	}
	var verify envelope
	if err := json.Unmarshal(check, &verify); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cloneconfig: round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cloneconfig: rename config file: %w", err)
	}
	return nil
}
