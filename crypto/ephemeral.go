package crypto

import (
	"fmt"
	"runtime"
)

// EphemeralKeys is a throwaway signing keypair used for exactly one outbound
// event. It is never persisted.
type EphemeralKeys struct {
	km keyMaterial
}

// GenerateEphemeralKeys draws a fresh keypair from the OS CSPRNG.
func GenerateEphemeralKeys() (*EphemeralKeys, error) {
	km, err := randomKeyMaterial()
	if err != nil {
		return nil, err
	}
	ek := &EphemeralKeys{km: km}
	runtime.SetFinalizer(ek, func(ek *EphemeralKeys) { ek.Wipe() })
	return ek, nil
}

// EphemeralKeysFromBytes builds an ephemeral keypair from a raw secret.
// Intended for deterministic tests.
func EphemeralKeysFromBytes(secret []byte) (*EphemeralKeys, error) {
	km, err := newKeyMaterial(secret)
	if err != nil {
		return nil, err
	}
	ek := &EphemeralKeys{km: km}
	runtime.SetFinalizer(ek, func(ek *EphemeralKeys) { ek.Wipe() })
	return ek, nil
}

// PublicKey returns the x-only public key.
func (ek *EphemeralKeys) PublicKey() [PublicKeySize]byte {
	return ek.km.public
}

// PublicKeyHex returns the public key as 64 lowercase hex characters.
func (ek *EphemeralKeys) PublicKeyHex() string {
	return ek.km.publicHex()
}

// Sign produces a BIP-340 signature over a 32-byte digest.
func (ek *EphemeralKeys) Sign(digest [32]byte) ([SignatureSize]byte, error) {
	return ek.km.sign(digest)
}

// ConversationKey derives the NIP-44 conversation key shared with peer.
func (ek *EphemeralKeys) ConversationKey(peerPubkeyHex string) (*ConversationKey, error) {
	return deriveConversationKey(&ek.km, peerPubkeyHex)
}

// Wipe zeroes the secret scalar.
func (ek *EphemeralKeys) Wipe() {
	ek.km.wipe()
}

// String exposes only the public key.
func (ek *EphemeralKeys) String() string {
	return fmt.Sprintf("EphemeralKeys{pubkey: %s}", ek.PublicKeyHex())
}

// GoString exposes only the public key.
func (ek *EphemeralKeys) GoString() string {
	return ek.String()
}
