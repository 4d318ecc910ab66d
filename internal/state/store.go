package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

const backupCount = 5

// ErrLockHeld indicates another run still holds the lock marker.
var ErrLockHeld = errors.New("state: run lock already held")

// Store persists the channel state snapshot as a JSON file, replaced
// atomically and guarded by rolling backups.
type Store struct {
	path   string
	logger zerolog.Logger
}

// NewStore builds a Store around path.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{path: path, logger: logger.With().Str("component", "state_store").Logger()}
}

// Load reads the snapshot, falling back through backups if the primary file
// is missing or corrupt. A completely fresh start yields an empty snapshot.
func (s *Store) Load() (*Snapshot, error) {
	for i := 0; i <= backupCount; i++ {
		candidate := s.path
		if i > 0 {
			candidate = fmt.Sprintf("%s.%d", s.path, i)
		}

		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}

		snap := NewSnapshot()
		if err := json.Unmarshal(data, snap); err != nil {
			s.logger.Warn().Str("file", candidate).Err(err).Msg("snapshot unreadable, trying backup")
			continue
		}
		if snap.Channels == nil {
			snap.Channels = make(map[string]*ChannelState)
		}
		if i > 0 {
			s.logger.Warn().Str("file", candidate).Msg("recovered state from backup")
		}
		return snap, nil
	}

	return NewSnapshot(), nil
}

// Save writes the snapshot to a temp file, validates it reads back, rotates
// backups, and atomically replaces the previous snapshot. Either the whole
// snapshot lands or the prior one stays intact. The caller owns UpdatedAt so
// the checkpoint stays on the cycle bucket boundary.
func (s *Store) Save(snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}

	// Read-back validation before the old snapshot is touched.
	check, err := os.ReadFile(tmpPath)
	if err != nil {
		return fmt.Errorf("read back temp snapshot: %w", err)
	}
	var probe Snapshot
	if err := json.Unmarshal(check, &probe); err != nil {
		return fmt.Errorf("validate temp snapshot: %w", err)
	}

	s.rotateBackups()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (s *Store) rotateBackups() {
	for i := backupCount; i >= 1; i-- {
		dst := fmt.Sprintf("%s.%d", s.path, i)
		src := s.path
		if i > 1 {
			src = fmt.Sprintf("%s.%d", s.path, i-1)
		}
		if _, err := os.Stat(src); err == nil {
			if err := copyFile(src, dst); err != nil {
				s.logger.Warn().Str("src", src).Err(err).Msg("backup rotation failed")
			}
		}
	}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
