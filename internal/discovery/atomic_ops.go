package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Store reads and writes instance files under an exclusive directory lock so
// concurrent relays and status commands never see a half-written record
type Store struct {
	instancesDir string
	lockTimeout  time.Duration
	now          func() time.Time
}

// NewStore creates a store rooted at instancesDir
func NewStore(instancesDir string) *Store {
	return &Store{
		instancesDir: instancesDir,
		lockTimeout:  10 * time.Second,
		now:          time.Now,
	}
}

// Dir returns the instances directory
func (s *Store) Dir() string {
	return s.instancesDir
}

// Register writes a new instance record
func (s *Store) Register(inst *Instance) error {
	if err := validateInstance(inst); err != nil {
		return fmt.Errorf("invalid instance: %w", err)
	}
	return s.withLock(func() error {
		return s.writeLocked(inst)
	})
}

// Ping refreshes LastPing on an existing record
func (s *Store) Ping(id string) error {
	return s.withLock(func() error {
		inst, err := s.readLocked(id)
		if err != nil {
			return fmt.Errorf("failed to read instance: %w", err)
		}
		inst.LastPing = s.now()
		return s.writeLocked(inst)
	})
}

// Unregister removes a record. Removing an absent record is not an error.
func (s *Store) Unregister(id string) error {
	return s.withLock(func() error {
		if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove instance file: %w", err)
		}
		return nil
	})
}

// Read returns one record
func (s *Store) Read(id string) (*Instance, error) {
	var inst *Instance
	err := s.withLock(func() error {
		var err error
		inst, err = s.readLocked(id)
		return err
	})
	return inst, err
}

// List returns every readable record, oldest first. Corrupt files are skipped.
func (s *Store) List() ([]*Instance, error) {
	var out []*Instance
	err := s.withLock(func() error {
		m, err := s.listLocked()
		if err != nil {
			return err
		}
		out = sortedInstances(m)
		return nil
	})
	return out, err
}

// Prune removes records whose process is gone or whose last ping is older
// than maxAge. A zero maxAge only checks the process.
func (s *Store) Prune(maxAge time.Duration) ([]string, error) {
	var removed []string
	err := s.withLock(func() error {
		m, err := s.listLocked()
		if err != nil {
			return err
		}
		now := s.now()
		for id, inst := range m {
			stale := !processAlive(inst.PID)
			if maxAge > 0 && now.Sub(inst.LastPing) > maxAge {
				stale = true
			}
			if !stale {
				continue
			}
			if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove stale instance %s: %w", id, err)
			}
			removed = append(removed, id)
		}
		return nil
	})
	return removed, err
}

func (s *Store) path(id string) string {
	return filepath.Join(s.instancesDir, id+instanceExt)
}

// withLock executes fn while holding the directory lock
func (s *Store) withLock(fn func() error) error {
	if err := os.MkdirAll(s.instancesDir, DefaultDirMode); err != nil {
		return fmt.Errorf("failed to create instances directory: %w", err)
	}

	fileLock := flock.New(filepath.Join(s.instancesDir, lockName))

	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock within %v", s.lockTimeout)
	}
	defer fileLock.Unlock()

	return fn()
}

func (s *Store) writeLocked(inst *Instance) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance data: %w", err)
	}
	if err := atomicWriteFile(s.path(inst.ID), data, DefaultFileMode); err != nil {
		return fmt.Errorf("failed to write instance file: %w", err)
	}
	return nil
}

func (s *Store) readLocked(id string) (*Instance, error) {
	return readInstanceFile(s.path(id))
}

func (s *Store) listLocked() (map[string]*Instance, error) {
	instances := make(map[string]*Instance)

	entries, err := os.ReadDir(s.instancesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return instances, nil
		}
		return nil, fmt.Errorf("failed to read instances directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() || !isInstanceFile(entry.Name()) {
			continue
		}
		inst, err := readInstanceFile(filepath.Join(s.instancesDir, entry.Name()))
		if err != nil {
			continue
		}
		instances[inst.ID] = inst
	}
	return instances, nil
}

// atomicWriteFile writes through a temp file in the same directory and
// renames it into place
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, ".tmp-instance-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	tempFile = nil

	if err := os.Chmod(tempPath, perm); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
