// Package storage provides the client's key/value stores: a durable profile store
// (device fingerprint) and a tab store scoped to one running client (session token, role).
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// ErrInvalidKey is returned for keys that are empty or would escape the store directory.
var ErrInvalidKey = errors.New("storage: invalid key")

// Store is a string key/value store. Get reports ok false for missing keys.
// Remove of a missing key is not an error.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}

// Creator is a Store that can write a key only when it is absent. The winning value is
// returned, so concurrent writers (including other processes) converge on one value.
type Creator interface {
	Store
	SetIfAbsent(key, value string) (stored string, err error)
}

// FileStore keeps one file per key under a directory. Writes are atomic so a
// concurrent reader never observes a partially written value.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// NewTabStore creates a fresh FileStore in its own directory under tabsDir.
// Call Destroy when the client exits; the tab's contents do not outlive it.
func NewTabStore(tabsDir string) (*FileStore, error) {
	return NewFileStore(filepath.Join(tabsDir, uuid.New().String()))
}

// Dir returns the directory backing the store.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the file that holds key.
func (s *FileStore) Path(key string) string { return filepath.Join(s.dir, key) }

// Get returns the value for key.
func (s *FileStore) Get(key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	b, err := os.ReadFile(s.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

// Set writes value for key.
func (s *FileStore) Set(key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return atomic.WriteFile(s.Path(key), strings.NewReader(value))
}

// SetIfAbsent writes value for key unless the key exists, and returns the stored value.
// The value is written to a temp file and hard-linked into place, so the key appears
// complete or not at all.
func (s *FileStore) SetIfAbsent(key, value string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(s.dir, "."+key+".*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	err = os.Link(tmp.Name(), s.Path(key))
	switch {
	case err == nil:
		return value, nil
	case errors.Is(err, os.ErrExist):
	default:
		// no hard links here: fall back to an exclusive create
		if err := s.createExclusive(key, value); err == nil {
			return value, nil
		} else if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	stored, ok, err := s.Get(key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("storage: %s vanished while being created", key)
	}
	return stored, nil
}

func (s *FileStore) createExclusive(key, value string) error {
	f, err := os.OpenFile(s.Path(key), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Remove deletes key.
func (s *FileStore) Remove(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := os.Remove(s.Path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Destroy removes the store directory and everything in it.
func (s *FileStore) Destroy() error {
	return os.RemoveAll(s.dir)
}

func validateKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return ErrInvalidKey
	}
	return nil
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]string)}
}

// Get returns the value for key.
func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok, nil
}

// Set stores value for key.
func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

// SetIfAbsent stores value unless key exists and returns the stored value.
func (s *MemoryStore) SetIfAbsent(key, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[key]; ok {
		return v, nil
	}
	s.m[key] = value
	return value, nil
}

// Remove deletes key.
func (s *MemoryStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}
