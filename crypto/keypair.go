// Package crypto implements the key material, signatures, and symmetric
// envelope used by the haven engine.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

const (
	// SecretKeySize is the size of a secp256k1 secret scalar.
	SecretKeySize = 32
	// PublicKeySize is the size of an x-only (BIP-340) public key.
	PublicKeySize = 32
	// SignatureSize is the size of a BIP-340 Schnorr signature.
	SignatureSize = 64
)

var (
	// ErrInvalidSecretKey is returned for zero scalars and scalars >= n.
	ErrInvalidSecretKey = errors.New("invalid secret key")
	// ErrInvalidPubkey is returned for malformed or off-curve public keys.
	ErrInvalidPubkey = errors.New("invalid public key")
	// ErrInvalidNsec is returned when a bech32 secret key cannot be decoded.
	ErrInvalidNsec = errors.New("invalid nsec")
	// ErrSigning is returned when a Schnorr signature cannot be produced.
	ErrSigning = errors.New("signing failed")
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrKeyWiped is returned when a wiped key is used.
	ErrKeyWiped = errors.New("key material has been wiped")
)

// Signer is anything that can produce BIP-340 signatures over 32-byte digests.
// Identity and EphemeralKeys both satisfy it.
type Signer interface {
	PublicKeyHex() string
	Sign(digest [32]byte) ([SignatureSize]byte, error)
}

// keyMaterial is the shared shape of Identity and EphemeralKeys: a secret
// scalar and its x-only public key.
type keyMaterial struct {
	secret [SecretKeySize]byte
	public [PublicKeySize]byte
	wiped  bool
}

// validateScalar rejects zero and values that overflow the group order.
func validateScalar(secret []byte) error {
	if len(secret) != SecretKeySize {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSecretKey, SecretKeySize, len(secret))
	}
	var s btcec.ModNScalar
	overflow := s.SetByteSlice(secret)
	defer s.Zero()
	if overflow {
		return fmt.Errorf("%w: scalar exceeds curve order", ErrInvalidSecretKey)
	}
	if s.IsZero() {
		return fmt.Errorf("%w: zero scalar", ErrInvalidSecretKey)
	}
	return nil
}

// newKeyMaterial builds key material from a validated secret. The input is
// copied; the caller keeps ownership of its slice.
func newKeyMaterial(secret []byte) (keyMaterial, error) {
	if err := validateScalar(secret); err != nil {
		return keyMaterial{}, err
	}
	secp256k1()

	var km keyMaterial
	copy(km.secret[:], secret)

	priv, pub := btcec.PrivKeyFromBytes(km.secret[:])
	copy(km.public[:], schnorr.SerializePubKey(pub))
	priv.Zero()

	return km, nil
}

// randomKeyMaterial draws a fresh scalar from the OS CSPRNG, retrying in the
// negligible case that it falls outside [1, n).
func randomKeyMaterial() (keyMaterial, error) {
	var buf [SecretKeySize]byte
	defer ZeroBytes(buf[:])

	for attempt := 0; attempt < 8; attempt++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return keyMaterial{}, fmt.Errorf("failed to read random bytes: %w", err)
		}
		km, err := newKeyMaterial(buf[:])
		if err == nil {
			return km, nil
		}
	}
	return keyMaterial{}, fmt.Errorf("%w: could not draw a valid scalar", ErrInvalidSecretKey)
}

func (km *keyMaterial) publicHex() string {
	return hex.EncodeToString(km.public[:])
}

// sign reconstructs the scalar into a temporary private key, signs the digest,
// and wipes the temporary before returning.
func (km *keyMaterial) sign(digest [32]byte) ([SignatureSize]byte, error) {
	var out [SignatureSize]byte
	if km.wiped {
		return out, ErrKeyWiped
	}

	scratch := km.secret
	defer ZeroBytes(scratch[:])

	priv, _ := btcec.PrivKeyFromBytes(scratch[:])
	defer priv.Zero()

	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	copy(out[:], sig.Serialize())
	return out, nil
}

func (km *keyMaterial) wipe() {
	ZeroBytes(km.secret[:])
	km.wiped = true
}

// ParsePublicKey decodes a 64-char hex x-only public key and checks that it
// is a valid curve point.
func ParsePublicKey(pubkeyHex string) ([PublicKeySize]byte, error) {
	var out [PublicKeySize]byte
	if len(pubkeyHex) != 2*PublicKeySize {
		return out, fmt.Errorf("%w: expected %d hex chars, got %d", ErrInvalidPubkey, 2*PublicKeySize, len(pubkeyHex))
	}
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	if _, err := schnorr.ParsePubKey(raw); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	copy(out[:], raw)
	return out, nil
}

// IsValidPublicKey reports whether s is a well-formed x-only public key.
func IsValidPublicKey(pubkeyHex string) bool {
	_, err := ParsePublicKey(pubkeyHex)
	return err == nil
}

// VerifySignature checks a BIP-340 signature over digest by pubkey.
func VerifySignature(pubkey [PublicKeySize]byte, digest [32]byte, signature [SignatureSize]byte) error {
	secp256k1()

	pub, err := schnorr.ParsePubKey(pubkey[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	sig, err := schnorr.ParseSignature(signature[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !sig.Verify(digest[:], pub) {
		return ErrInvalidSignature
	}
	return nil
}
