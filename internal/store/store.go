// Package store provides crash-safe device-state persistence using JSON
// files.
//
// Each device's state is stored as a separate file: state_<deviceName>.json.
// Writes use atomic file replacement (write to .tmp, then rename) to
// prevent corruption from partial writes or crashes mid-save. The
// engine calls SaveDeviceState after each slot roll, and LoadDeviceState
// on startup to restore a device's state-of-charge across restarts.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DeviceState is the persisted snapshot of one storage device.
type DeviceState struct {
	Name        string          `json:"name"`
	SoC         decimal.Decimal `json:"soc"`
	UsedStorage decimal.Decimal `json:"used_storage_kwh"`
	SavedAt     time.Time       `json:"saved_at"`
}

// Store persists device state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string     // directory containing state_*.json files
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveDeviceState atomically persists a device's state. It writes to a
// .tmp file first, then renames over the target to ensure the file is
// never left in a partial state (crash-safe).
func (s *Store) SaveDeviceState(state DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal device state: %w", err)
	}

	path := filepath.Join(s.dir, "state_"+state.Name+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write device state: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadDeviceState restores a device's state from disk.
// Returns nil, nil if no saved state exists (fresh device).
func (s *Store) LoadDeviceState(name string) (*DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "state_"+name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read device state: %w", err)
	}

	var state DeviceState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal device state: %w", err)
	}
	return &state, nil
}
