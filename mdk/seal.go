package mdk

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/opd-ai/haven/crypto"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// sealed is a payload encrypted to an X25519 public key.
type sealed struct {
	EphemeralKey []byte `cbor:"1,keyasint"`
	Ciphertext   []byte `cbor:"2,keyasint"`
}

// x25519KeyPair draws a fresh X25519 key pair.
func x25519KeyPair() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		crypto.ZeroBytes(priv)
		return nil, nil, err
	}
	return priv, pub, nil
}

func sealKey(shared, ephemeralPub, recipientPub []byte, label string) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeralPub)+len(recipientPub))
	salt = append(salt, ephemeralPub...)
	salt = append(salt, recipientPub...)

	prk := hkdf.Extract(sha256.New, shared, salt)
	defer crypto.ZeroBytes(prk)
	return expand(prk, "seal "+label, nil)
}

// seal encrypts plaintext to recipientPub. The key is unique per call, so
// a zero nonce is safe.
func seal(recipientPub []byte, label string, plaintext, aad []byte) (*sealed, error) {
	ePriv, ePub, err := x25519KeyPair()
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(ePriv)

	shared, err := curve25519.X25519(ePriv, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrKeyDerivation, err)
	}
	defer crypto.ZeroBytes(shared)

	key, err := sealKey(shared, ePub, recipientPub, label)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrEncryption, err)
	}
	nonce := make([]byte, aead.NonceSize())
	return &sealed{
		EphemeralKey: ePub,
		Ciphertext:   aead.Seal(nil, nonce, plaintext, aad),
	}, nil
}

// open reverses seal with the recipient's private key.
func open(s *sealed, recipientPriv []byte, label string, aad []byte) ([]byte, error) {
	recipientPub, err := curve25519.X25519(recipientPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrDecryption, err)
	}
	shared, err := curve25519.X25519(recipientPriv, s.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrDecryption, err)
	}
	defer crypto.ZeroBytes(shared)

	key, err := sealKey(shared, s.EphemeralKey, recipientPub, label)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrDecryption, err)
	}
	nonce := make([]byte, aead.NonceSize())
	pt, err := aead.Open(nil, nonce, s.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrDecryption, err)
	}
	return pt, nil
}
