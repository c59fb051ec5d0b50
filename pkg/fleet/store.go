// Package fleet persists the registered device list.
//
// The registry is a flat JSON array at {DATA_DIR}/fleet.json. The store
// is the single writer in this process; the orchestrator only rewrites
// a device id after a confirmed identity change and records version
// metadata after a successful flash.
package fleet

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var ErrNotFound = errors.New("device not found in fleet")

type Store struct {
	logger *slog.Logger
	path   string
	mu     sync.Mutex
}

// NewStore opens (and if needed bootstraps) the registry under dataDir.
func NewStore(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		logger: logger.With("service", "[FLEET]"),
		path:   filepath.Join(dataDir, "fleet.json"),
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		if err := s.write([]Device{}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) read() ([]Device, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var devices []Device
	if err := json.Unmarshal(raw, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (s *Store) write(devices []Device) error {
	raw, err := json.MarshalIndent(devices, "", "    ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Fleet returns all registered devices.
func (s *Store) Fleet() ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// SaveDevice adds or updates a device. When OldID is set the entry
// registered under that id is replaced, which is how an identity change
// is promoted into the registry. OldID itself is stripped before
// persisting.
func (s *Store) SaveDevice(device Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices, err := s.read()
	if err != nil {
		return err
	}
	targetID := device.ID
	if device.OldID != "" {
		targetID = device.OldID
	}
	device.OldID = ""
	device.Status = ""
	replaced := false
	for i := range devices {
		if devices[i].ID == targetID {
			devices[i] = device
			replaced = true
			break
		}
	}
	if !replaced {
		devices = append(devices, device)
	}
	s.logger.Info("saved device", "id", device.ID, "method", device.Method)
	return s.write(devices)
}

// RemoveDevice deletes a device by id.
func (s *Store) RemoveDevice(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices, err := s.read()
	if err != nil {
		return err
	}
	kept := devices[:0]
	for _, d := range devices {
		if d.ID != id {
			kept = append(kept, d)
		}
	}
	if len(kept) == len(devices) {
		return ErrNotFound
	}
	return s.write(kept)
}

// RecordFlash writes post-flash version metadata for a device.
func (s *Store) RecordFlash(id, version, commit, timestamp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices, err := s.read()
	if err != nil {
		return err
	}
	for i := range devices {
		if devices[i].ID == id {
			devices[i].FlashedVersion = version
			devices[i].FlashedCommit = commit
			devices[i].LastFlashed = timestamp
			return s.write(devices)
		}
	}
	return ErrNotFound
}

// RewriteID updates the persisted id of a device after a detected
// identity change, optionally switching its method.
func (s *Store) RewriteID(oldID, newID string, method Method) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices, err := s.read()
	if err != nil {
		return err
	}
	for i := range devices {
		if devices[i].ID == oldID {
			devices[i].ID = newID
			if method != "" {
				devices[i].Method = method
			}
			s.logger.Info("rewrote device identity", "old", oldID, "new", newID)
			return s.write(devices)
		}
	}
	return ErrNotFound
}
