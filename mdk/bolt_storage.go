package mdk

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opd-ai/haven/crypto"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// StoreFileName is the MLS store file inside the data directory.
	StoreFileName = "haven_mdk.db"
	// StorageKeySize is the size of the key sealing BoltStorage values.
	StorageKeySize = chacha20poly1305.KeySize

	groupsBucket      = "groups"
	keyPackagesBucket = "key_packages"
)

// BoltStorage is a Storage backed by a single bbolt file. Unless opened
// with NewUnencryptedBoltStorage every value is sealed with
// XChaCha20-Poly1305, with the bucket and record key as associated data.
type BoltStorage struct {
	db  *bolt.DB
	key []byte
}

// NewBoltStorage opens (or creates) dataDir/haven_mdk.db sealed with key.
func NewBoltStorage(dataDir string, key []byte) (*BoltStorage, error) {
	if len(key) != StorageKeySize {
		return nil, fmt.Errorf("%w: storage key must be %d bytes", ErrStorage, StorageKeySize)
	}
	s, err := openBolt(dataDir)
	if err != nil {
		return nil, err
	}
	s.key = cloneBytes(key)
	return s, nil
}

// NewUnencryptedBoltStorage opens the store without sealing values. For
// tests only.
func NewUnencryptedBoltStorage(dataDir string) (*BoltStorage, error) {
	logrus.WithFields(logrus.Fields{
		"function": "NewUnencryptedBoltStorage",
		"package":  "mdk",
	}).Warn("Opening unencrypted MLS store")
	return openBolt(dataDir)
}

func openBolt(dataDir string) (*BoltStorage, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create data directory: %v", ErrStorage, err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, StoreFileName), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStorage, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{groupsBucket, keyPackagesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init buckets: %v", ErrStorage, err)
	}
	return &BoltStorage{db: db}, nil
}

func associatedData(bucket string, k []byte) []byte {
	ad := make([]byte, 0, len(bucket)+1+len(k))
	ad = append(ad, bucket...)
	ad = append(ad, 0)
	return append(ad, k...)
}

func (s *BoltStorage) sealValue(bucket string, k, v []byte) ([]byte, error) {
	if s.key == nil {
		return cloneBytes(v), nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(v)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, v, associatedData(bucket, k)), nil
}

func (s *BoltStorage) openValue(bucket string, k, v []byte) ([]byte, error) {
	if s.key == nil {
		return cloneBytes(v), nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(v) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: sealed value too short", ErrStorage)
	}
	nonce, ct := v[:aead.NonceSize()], v[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, associatedData(bucket, k))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open value (wrong key?)", ErrStorage)
	}
	return pt, nil
}

func (s *BoltStorage) put(bucket string, k, v []byte) error {
	sealedValue, err := s.sealValue(bucket, k, v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(k, sealedValue)
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (s *BoltStorage) get(bucket string, k []byte) ([]byte, error) {
	var raw []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		raw = cloneBytes(tx.Bucket([]byte(bucket)).Get(k))
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return s.openValue(bucket, k, raw)
}

func (s *BoltStorage) del(bucket string, k []byte) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete(k)
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (s *BoltStorage) SaveGroup(id GroupID, data []byte) error {
	return s.put(groupsBucket, id[:], data)
}

func (s *BoltStorage) LoadGroup(id GroupID) ([]byte, error) {
	return s.get(groupsBucket, id[:])
}

func (s *BoltStorage) DeleteGroup(id GroupID) error {
	return s.del(groupsBucket, id[:])
}

func (s *BoltStorage) ListGroups() ([]GroupID, error) {
	var out []GroupID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(groupsBucket)).ForEach(func(k, _ []byte) error {
			id, err := GroupIDFromBytes(k)
			if err != nil {
				return err
			}
			out = append(out, id)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return out, nil
}

func (s *BoltStorage) SaveKeyPackage(ref []byte, data []byte) error {
	return s.put(keyPackagesBucket, ref, data)
}

func (s *BoltStorage) LoadKeyPackage(ref []byte) ([]byte, error) {
	return s.get(keyPackagesBucket, ref)
}

func (s *BoltStorage) DeleteKeyPackage(ref []byte) error {
	return s.del(keyPackagesBucket, ref)
}

// Close wipes the storage key and closes the file.
func (s *BoltStorage) Close() error {
	if s.key != nil {
		crypto.ZeroBytes(s.key)
	}
	return s.db.Close()
}
