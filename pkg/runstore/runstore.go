// Package runstore persists Background handles between CLI invocations so a
// later `corral check` or `corral kill` can find the worker a `corral bg`
// started. The store is a single JSON file guarded by an flock.
package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"corral/pkg/dispatcher"

	"github.com/gofrs/flock"
)

// ErrNotFound is returned when no handle is stored under a run id.
var ErrNotFound = errors.New("run not found")

// Store reads and writes handles in path. Every operation takes the lock at
// path+".lock" for its whole read-modify-write.
type Store struct {
	path     string
	lockPath string
}

// New returns a store backed by path. The file is created on first Save.
func New(path string) *Store {
	return &Store{path: path, lockPath: path + ".lock"}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Save stores h under its RunID, replacing any previous handle.
func (s *Store) Save(h dispatcher.Handle) error {
	if h.RunID == "" {
		return errors.New("save handle: empty run id")
	}
	return s.update(func(m map[string]dispatcher.Handle) error {
		m[h.RunID] = h
		return nil
	})
}

// Load returns the handle stored under runID.
func (s *Store) Load(runID string) (dispatcher.Handle, error) {
	var h dispatcher.Handle
	err := s.withLock(func() error {
		m, err := s.read()
		if err != nil {
			return err
		}
		got, ok := m[runID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		h = got
		return nil
	})
	return h, err
}

// Delete removes the handle stored under runID.
func (s *Store) Delete(runID string) error {
	return s.update(func(m map[string]dispatcher.Handle) error {
		if _, ok := m[runID]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		delete(m, runID)
		return nil
	})
}

// List returns every stored handle, oldest first.
func (s *Store) List() ([]dispatcher.Handle, error) {
	var out []dispatcher.Handle
	err := s.withLock(func() error {
		m, err := s.read()
		if err != nil {
			return err
		}
		for _, h := range m {
			out = append(out, h)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, err
}

func (s *Store) update(fn func(map[string]dispatcher.Handle) error) error {
	return s.withLock(func() error {
		m, err := s.read()
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		return s.write(m)
	})
}

func (s *Store) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create run store dir: %w", err)
	}
	lock := flock.New(s.lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()
	return fn()
}

// read must be called with the lock held. A missing file is an empty store.
func (s *Store) read() (map[string]dispatcher.Handle, error) {
	m := make(map[string]dispatcher.Handle)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("read run store: %w", err)
	}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse run store %s: %w", s.path, err)
	}
	return m, nil
}

// write replaces the file atomically via rename. Caller holds the lock.
func (s *Store) write(m map[string]dispatcher.Handle) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write run store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace run store: %w", err)
	}
	return nil
}
