package mdk

import (
	"encoding/hex"
	"errors"
	"sync"
)

// ErrNotFound is returned by Storage for missing records.
var ErrNotFound = errors.New("record not found")

// Storage persists group state and key-package private halves. Values are
// opaque to the storage.
type Storage interface {
	SaveGroup(id GroupID, data []byte) error
	LoadGroup(id GroupID) ([]byte, error)
	DeleteGroup(id GroupID) error
	ListGroups() ([]GroupID, error)

	SaveKeyPackage(ref []byte, data []byte) error
	LoadKeyPackage(ref []byte) ([]byte, error)
	DeleteKeyPackage(ref []byte) error

	Close() error
}

// MemoryStorage keeps everything in maps. It is meant for tests.
type MemoryStorage struct {
	mu          sync.Mutex
	groups      map[GroupID][]byte
	keyPackages map[string][]byte
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		groups:      make(map[GroupID][]byte),
		keyPackages: make(map[string][]byte),
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (m *MemoryStorage) SaveGroup(id GroupID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[id] = cloneBytes(data)
	return nil
}

func (m *MemoryStorage) LoadGroup(id GroupID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(data), nil
}

func (m *MemoryStorage) DeleteGroup(id GroupID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, id)
	return nil
}

func (m *MemoryStorage) ListGroups() ([]GroupID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]GroupID, 0, len(m.groups))
	for id := range m.groups {
		out = append(out, id)
	}
	return out, nil
}

func (m *MemoryStorage) SaveKeyPackage(ref []byte, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyPackages[hex.EncodeToString(ref)] = cloneBytes(data)
	return nil
}

func (m *MemoryStorage) LoadKeyPackage(ref []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.keyPackages[hex.EncodeToString(ref)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(data), nil
}

func (m *MemoryStorage) DeleteKeyPackage(ref []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keyPackages, hex.EncodeToString(ref))
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
