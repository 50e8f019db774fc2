package store

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/go-analyze/bulk"
	"github.com/vmihailenco/msgpack/v5"
)

// Storage is a small key/value store for service state. Thread-safe.
type Storage interface {
	// Get returns the value for key and whether it was found.
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	// Keys returns all stored keys in sorted order.
	Keys() []string
	Close() error
}

// Serialize encodes v with msgpack.
func Serialize(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Deserialize decodes msgpack data into v.
func Deserialize(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// MemStorage is an in-memory Storage.
type MemStorage struct {
	mu     sync.RWMutex
	values map[string][]byte
}

var _ Storage = (*MemStorage)(nil)

// NewMemStorage creates an empty in-memory storage.
func NewMemStorage() *MemStorage {
	return &MemStorage{values: make(map[string][]byte)}
}

func (s *MemStorage) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

func (s *MemStorage) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = slices.Clone(value)
	return nil
}

func (s *MemStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	return nil
}

func (s *MemStorage) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := bulk.MapKeysSlice(s.values)
	slices.Sort(keys)
	return keys
}

func (s *MemStorage) Close() error {
	return nil
}

// FileStorage is a Storage persisted to a single msgpack file.
// Every mutation rewrites the file atomically; intended for small state.
type FileStorage struct {
	mem  *MemStorage
	path string
	mu   sync.Mutex // serializes file writes
}

var _ Storage = (*FileStorage)(nil)

// NewFileStorage opens (or creates on first write) the storage file at path.
func NewFileStorage(path string) (*FileStorage, error) {
	s := &FileStorage{mem: NewMemStorage(), path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	} else if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var values map[string][]byte
	if err := Deserialize(data, &values); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", path, err)
	}
	if values != nil {
		s.mem.values = values
	}
	return s, nil
}

func (s *FileStorage) Get(key string) ([]byte, bool, error) {
	return s.mem.Get(key)
}

func (s *FileStorage) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.Set(key, value); err != nil {
		return err
	}
	return s.flushLocked()
}

func (s *FileStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.Delete(key); err != nil {
		return err
	}
	return s.flushLocked()
}

func (s *FileStorage) Keys() []string {
	return s.mem.Keys()
}

func (s *FileStorage) Close() error {
	return nil
}

// flushLocked writes the full map to disk. Caller must hold mu.
func (s *FileStorage) flushLocked() error {
	s.mem.mu.RLock()
	snapshot := maps.Clone(s.mem.values)
	s.mem.mu.RUnlock()

	data, err := Serialize(snapshot)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}
