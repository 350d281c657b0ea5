package crypto

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// IdentityStore persists the single installation identity through a
// SecureKeyStorage under IdentityStorageKey.
type IdentityStore struct {
	mu      sync.Mutex
	storage SecureKeyStorage
	cached  *Identity
}

// NewIdentityStore wraps storage.
func NewIdentityStore(storage SecureKeyStorage) *IdentityStore {
	return &IdentityStore{storage: storage}
}

// LoadOrCreate returns the stored identity, creating and persisting a new
// one on first run. created reports whether a new identity was generated.
func (s *IdentityStore) LoadOrCreate() (id *Identity, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return s.cached, false, nil
	}

	id, err = s.load()
	if err == nil {
		s.cached = id
		return id, false, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, false, err
	}

	id, err = GenerateIdentity()
	if err != nil {
		return nil, false, err
	}
	if err := s.persist(id); err != nil {
		id.Wipe()
		return nil, false, err
	}
	s.cached = id
	return id, true, nil
}

// Load returns the stored identity or ErrKeyNotFound.
func (s *IdentityStore) Load() (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.cached, nil
	}
	id, err := s.load()
	if err != nil {
		return nil, err
	}
	s.cached = id
	return id, nil
}

func (s *IdentityStore) load() (*Identity, error) {
	secret, err := s.storage.Retrieve(IdentityStorageKey)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(secret)
	return IdentityFromBytes(secret)
}

func (s *IdentityStore) persist(id *Identity) error {
	secret, err := id.SecretBytes()
	if err != nil {
		return err
	}
	defer ZeroBytes(secret)
	if err := s.storage.Store(IdentityStorageKey, secret); err != nil {
		return fmt.Errorf("failed to persist identity: %w", err)
	}
	return nil
}

// Import replaces the stored identity with one decoded from an nsec backup.
func (s *IdentityStore) Import(nsec string) (*Identity, error) {
	id, err := IdentityFromNsec(nsec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persist(id); err != nil {
		id.Wipe()
		return nil, err
	}
	if s.cached != nil && s.cached != id {
		s.cached.Wipe()
	}
	s.cached = id

	logrus.WithFields(logrus.Fields{
		"function": "Import",
		"package":  "crypto",
		"pubkey":   ShortKey(id.PublicKeyHex()),
	}).Info("Imported identity from backup")

	return id, nil
}

// ExportNsec returns the bech32 backup form of the stored identity.
func (s *IdentityStore) ExportNsec() (string, error) {
	id, err := s.Load()
	if err != nil {
		return "", err
	}
	return id.Nsec()
}

// Delete removes the stored identity and wipes the cached copy.
func (s *IdentityStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		s.cached.Wipe()
		s.cached = nil
	}
	return s.storage.Delete(IdentityStorageKey)
}
