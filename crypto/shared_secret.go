package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"runtime"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/crypto/hkdf"
)

// ConversationKeySize is the size of a NIP-44 v2 conversation key.
const ConversationKeySize = 32

// nip44Salt is the HKDF-extract salt fixed by NIP-44 v2.
var nip44Salt = []byte("nip44-v2")

// ErrKeyDerivation is returned when a conversation key cannot be derived.
var ErrKeyDerivation = errors.New("key derivation failed")

// ConversationKey is a 32-byte symmetric key for the envelope. It wipes
// itself on Wipe and, as a backstop, when garbage collected.
type ConversationKey struct {
	key   [ConversationKeySize]byte
	wiped bool
}

// NewConversationKey copies a 32-byte key into a wiping container. The caller
// keeps ownership of the input slice.
func NewConversationKey(key []byte) (*ConversationKey, error) {
	if len(key) != ConversationKeySize {
		return nil, fmt.Errorf("%w: conversation key must be %d bytes, got %d", ErrKeyDerivation, ConversationKeySize, len(key))
	}
	ck := &ConversationKey{}
	copy(ck.key[:], key)
	runtime.SetFinalizer(ck, func(ck *ConversationKey) { ck.Wipe() })
	return ck, nil
}

// Wipe zeroes the key.
func (ck *ConversationKey) Wipe() {
	ZeroBytes(ck.key[:])
	ck.wiped = true
}

// array returns the raw key for the envelope primitive.
func (ck *ConversationKey) array() ([ConversationKeySize]byte, error) {
	if ck == nil || ck.wiped {
		return [ConversationKeySize]byte{}, ErrKeyWiped
	}
	return ck.key, nil
}

// String never exposes key bytes.
func (ck *ConversationKey) String() string {
	return "ConversationKey{[redacted]}"
}

// deriveConversationKey computes the NIP-44 v2 conversation key: the x
// coordinate of the ECDH point, HKDF-extracted with the "nip44-v2" salt.
// Intermediate buffers are wiped before return.
func deriveConversationKey(km *keyMaterial, peerPubkeyHex string) (*ConversationKey, error) {
	if km.wiped {
		return nil, ErrKeyWiped
	}
	peer, err := ParsePublicKey(peerPubkeyHex)
	if err != nil {
		return nil, err
	}
	secp256k1()

	pub, err := schnorr.ParsePubKey(peer[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}

	scratch := km.secret
	defer ZeroBytes(scratch[:])
	priv, _ := btcec.PrivKeyFromBytes(scratch[:])
	defer priv.Zero()

	shared := btcec.GenerateSharedSecret(priv, pub)
	defer ZeroBytes(shared)
	if len(shared) != 32 {
		return nil, fmt.Errorf("%w: unexpected shared secret length %d", ErrKeyDerivation, len(shared))
	}

	prk := hkdf.Extract(sha256.New, shared, nip44Salt)
	defer ZeroBytes(prk)

	return NewConversationKey(prk)
}
