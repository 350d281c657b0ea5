package crypto

import (
	"encoding/hex"
	"fmt"
	"runtime"
	"sync"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/sirupsen/logrus"
)

// Identity is the long-lived signing identity of an installation. It owns a
// secp256k1 secret scalar which is wiped by Wipe, or by the finalizer if the
// value is dropped without an explicit Wipe.
type Identity struct {
	mu sync.RWMutex
	km keyMaterial
}

func newIdentity(km keyMaterial) *Identity {
	id := &Identity{km: km}
	runtime.SetFinalizer(id, func(id *Identity) { id.Wipe() })
	return id
}

// GenerateIdentity creates a new random identity using the OS CSPRNG.
func GenerateIdentity() (*Identity, error) {
	km, err := randomKeyMaterial()
	if err != nil {
		return nil, err
	}
	id := newIdentity(km)

	logrus.WithFields(logrus.Fields{
		"function": "GenerateIdentity",
		"package":  "crypto",
		"pubkey":   ShortKey(id.PublicKeyHex()),
	}).Info("Generated new identity")

	return id, nil
}

// IdentityFromBytes builds an identity from a raw 32-byte secret. Zero and
// out-of-range scalars are rejected.
func IdentityFromBytes(secret []byte) (*Identity, error) {
	km, err := newKeyMaterial(secret)
	if err != nil {
		return nil, err
	}
	return newIdentity(km), nil
}

// IdentityFromHex builds an identity from a 64-char hex secret.
func IdentityFromHex(secretHex string) (*Identity, error) {
	raw, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecretKey, err)
	}
	defer ZeroBytes(raw)
	return IdentityFromBytes(raw)
}

// IdentityFromNsec imports an identity from its bech32 "nsec1..." form.
func IdentityFromNsec(nsec string) (*Identity, error) {
	prefix, value, err := nip19.Decode(nsec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNsec, err)
	}
	if prefix != "nsec" {
		return nil, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidNsec, prefix)
	}
	secretHex, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected payload type %T", ErrInvalidNsec, value)
	}
	id, err := IdentityFromHex(secretHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNsec, err)
	}
	return id, nil
}

// PublicKey returns the x-only public key.
func (id *Identity) PublicKey() [PublicKeySize]byte {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.km.public
}

// PublicKeyHex returns the public key as 64 lowercase hex characters.
func (id *Identity) PublicKeyHex() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.km.publicHex()
}

// Npub returns the bech32 "npub1..." form of the public key.
func (id *Identity) Npub() (string, error) {
	npub, err := nip19.EncodePublicKey(id.PublicKeyHex())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	return npub, nil
}

// Nsec returns the bech32 "nsec1..." form of the secret key, for user-held
// backups. The returned string cannot be wiped; callers should not retain it.
func (id *Identity) Nsec() (string, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.km.wiped {
		return "", ErrKeyWiped
	}
	nsec, err := nip19.EncodePrivateKey(hex.EncodeToString(id.km.secret[:]))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNsec, err)
	}
	return nsec, nil
}

// SecretBytes returns a copy of the secret scalar. The caller owns the copy
// and must wipe it with ZeroBytes once persisted.
func (id *Identity) SecretBytes() ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.km.wiped {
		return nil, ErrKeyWiped
	}
	out := make([]byte, SecretKeySize)
	copy(out, id.km.secret[:])
	return out, nil
}

// Sign produces a BIP-340 signature over a 32-byte digest.
func (id *Identity) Sign(digest [32]byte) ([SignatureSize]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.km.sign(digest)
}

// ConversationKey derives the NIP-44 conversation key shared with peer.
func (id *Identity) ConversationKey(peerPubkeyHex string) (*ConversationKey, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return deriveConversationKey(&id.km, peerPubkeyHex)
}

// Wipe zeroes the secret scalar. The identity is unusable for signing
// afterwards; the public key remains readable.
func (id *Identity) Wipe() {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.km.wipe()
}

// String exposes only the public key.
func (id *Identity) String() string {
	return fmt.Sprintf("Identity{pubkey: %s}", id.PublicKeyHex())
}

// GoString exposes only the public key.
func (id *Identity) GoString() string {
	return id.String()
}
