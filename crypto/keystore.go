package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

// IdentityStorageKey is the fixed key name under which the installation's
// identity secret is kept.
const IdentityStorageKey = "haven.nostr.identity"

// ErrKeyNotFound is returned by Retrieve when no entry exists for a name.
var ErrKeyNotFound = errors.New("key not found")

// SecureKeyStorage is the seam to an OS-level secure keystore. Values are
// opaque byte strings addressed by name.
type SecureKeyStorage interface {
	Store(name string, value []byte) error
	Retrieve(name string) ([]byte, error)
	Delete(name string) error
	Exists(name string) (bool, error)
}

// MemoryKeyStorage keeps entries in process memory. Suitable for tests and
// for platforms that hand the core a key at boot.
type MemoryKeyStorage struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewMemoryKeyStorage returns an empty in-memory store.
func NewMemoryKeyStorage() *MemoryKeyStorage {
	return &MemoryKeyStorage{entries: make(map[string][]byte)}
}

// Store saves a copy of value under name.
func (m *MemoryKeyStorage) Store(name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.entries[name]; ok {
		ZeroBytes(old)
	}
	m.entries[name] = append([]byte(nil), value...)
	return nil
}

// Retrieve returns a copy of the value stored under name.
func (m *MemoryKeyStorage) Retrieve(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	return append([]byte(nil), v...), nil
}

// Delete wipes and removes the entry.
func (m *MemoryKeyStorage) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.entries[name]; ok {
		ZeroBytes(v)
		delete(m.entries, name)
	}
	return nil
}

// Exists reports whether an entry exists for name.
func (m *MemoryKeyStorage) Exists(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[name]
	return ok, nil
}

// EncryptedFileKeyStorage wraps file storage with AES-GCM encryption at rest.
// It stands in for an OS keystore on platforms without one.
type EncryptedFileKeyStorage struct {
	mu            sync.Mutex
	encryptionKey [32]byte
	dataDir       string
	saltFile      string
}

const (
	// PBKDF2Iterations is the number of iterations for key derivation (NIST recommendation)
	PBKDF2Iterations = 100000
	// EncryptionVersion is the current encryption format version
	EncryptionVersion = 1
	// SaltSize is the size of the salt for PBKDF2
	SaltSize = 32
)

// NewEncryptedFileKeyStorage creates a key store with encryption at rest.
// masterPassword should come from the platform keyring or a user passphrase;
// it is wiped before return.
func NewEncryptedFileKeyStorage(dataDir string, masterPassword []byte) (*EncryptedFileKeyStorage, error) {
	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("master password cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ks := &EncryptedFileKeyStorage{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
	}

	salt, err := ks.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derivedKey := pbkdf2.Key(masterPassword, salt, PBKDF2Iterations, 32, sha256.New)
	copy(ks.encryptionKey[:], derivedKey)

	SecureWipe(derivedKey)
	SecureWipe(masterPassword)

	return ks, nil
}

func (ks *EncryptedFileKeyStorage) loadOrGenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)

	data, err := os.ReadFile(ks.saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := os.WriteFile(ks.saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}
		return salt, nil
	}

	if len(data) != SaltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), SaltSize)
	}

	copy(salt, data)
	return salt, nil
}

// fileName maps a key name to a file name that leaks nothing about the name.
func (ks *EncryptedFileKeyStorage) fileName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return filepath.Join(ks.dataDir, hex.EncodeToString(sum[:16])+".key")
}

func (ks *EncryptedFileKeyStorage) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(ks.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Store encrypts value and writes it atomically.
// Format: [version:2][nonce:12][ciphertext+tag:N]
func (ks *EncryptedFileKeyStorage) Store(name string, value []byte) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	gcm, err := ks.gcm()
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	// The key name is bound as associated data so files cannot be swapped.
	ciphertext := gcm.Seal(nil, nonce, value, []byte(name))

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], EncryptionVersion)
	copy(output[2:2+len(nonce)], nonce)
	copy(output[2+len(nonce):], ciphertext)

	finalFile := ks.fileName(name)
	tmpFile := finalFile + ".tmp"

	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpFile, finalFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Store",
		"package":  "crypto",
		"size":     len(value),
	}).Debug("Stored encrypted key entry")

	return nil
}

// Retrieve reads and decrypts the entry for name.
func (ks *EncryptedFileKeyStorage) Retrieve(name string) ([]byte, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	data, err := os.ReadFile(ks.fileName(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if len(data) < 2+12+16 {
		return nil, fmt.Errorf("file too short: %d bytes (minimum 30 bytes)", len(data))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != EncryptionVersion {
		return nil, fmt.Errorf("unsupported encryption version: %d (expected %d)", version, EncryptionVersion)
	}

	gcm, err := ks.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	nonce := data[2 : 2+nonceSize]
	ciphertext := data[2+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password or corrupted data): %w", err)
	}
	return plaintext, nil
}

// Delete overwrites the entry with zeros, best effort, then removes it.
func (ks *EncryptedFileKeyStorage) Delete(name string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	filePath := ks.fileName(name)
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}

	zeros := make([]byte, info.Size())
	if err := os.WriteFile(filePath, zeros, 0o600); err != nil {
		return os.Remove(filePath)
	}
	return os.Remove(filePath)
}

// Exists reports whether an entry file exists for name.
func (ks *EncryptedFileKeyStorage) Exists(name string) (bool, error) {
	_, err := os.Stat(ks.fileName(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Close wipes the encryption key from memory.
// After calling Close, the storage should not be used.
func (ks *EncryptedFileKeyStorage) Close() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ZeroBytes(ks.encryptionKey[:])
	return nil
}
