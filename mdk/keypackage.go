package mdk

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/crypto"
	"github.com/opd-ai/haven/event"
	"github.com/sirupsen/logrus"
)

// KeyPackage is the public half published in kind-443 content.
type KeyPackage struct {
	Version      uint16 `cbor:"1,keyasint"`
	Ciphersuite  uint16 `cbor:"2,keyasint"`
	InitKey      []byte `cbor:"3,keyasint"`
	SignatureKey []byte `cbor:"4,keyasint"`
	Identity     string `cbor:"5,keyasint"`
	CreatedAt    int64  `cbor:"6,keyasint"`
	Signature    []byte `cbor:"7,keyasint,omitempty"`
}

// keyPackageSecret is the private half kept in storage.
type keyPackageSecret struct {
	InitKey      []byte `cbor:"1,keyasint"`
	SignatureKey []byte `cbor:"2,keyasint"`
	Identity     string `cbor:"3,keyasint"`
}

// KeyPackageBundle is an unsigned kind-443 event body.
type KeyPackageBundle struct {
	Content string
	Tags    nostr.Tags
	Relays  []string
	// Ref identifies the private half in storage.
	Ref []byte
}

func (kp *KeyPackage) toBeSigned() ([]byte, error) {
	unsigned := *kp
	unsigned.Signature = nil
	return marshal(&unsigned)
}

// Ref is the SHA-256 of the encoded key package.
func (kp *KeyPackage) Ref() ([]byte, error) {
	raw, err := marshal(kp)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

func (kp *KeyPackage) verify() error {
	if kp.Ciphersuite != Ciphersuite {
		return fmt.Errorf("%w: unsupported ciphersuite 0x%04x", ErrKeyPackage, kp.Ciphersuite)
	}
	if len(kp.InitKey) != 32 || len(kp.SignatureKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad key sizes", ErrKeyPackage)
	}
	if !crypto.IsValidPublicKey(kp.Identity) {
		return fmt.Errorf("%w: %v", ErrKeyPackage, crypto.ErrInvalidPubkey)
	}
	tbs, err := kp.toBeSigned()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyPackage, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(kp.SignatureKey), tbs, kp.Signature) {
		return fmt.Errorf("%w: bad signature", ErrKeyPackage)
	}
	return nil
}

// CreateKeyPackage generates a key package for identityHex, stores its
// private half, and returns the body of a kind-443 event for the caller to
// sign with the identity key.
func (m *MDK) CreateKeyPackage(identityHex string, relays []string) (*KeyPackageBundle, error) {
	if !crypto.IsValidPublicKey(identityHex) {
		return nil, fmt.Errorf("%w: %v", ErrKeyPackage, crypto.ErrInvalidPubkey)
	}

	initPriv, initPub, err := x25519KeyPair()
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(initPriv)

	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyPackage, err)
	}
	defer crypto.ZeroBytes(sigPriv)

	kp := &KeyPackage{
		Version:      1,
		Ciphersuite:  Ciphersuite,
		InitKey:      initPub,
		SignatureKey: sigPub,
		Identity:     identityHex,
		CreatedAt:    m.timeProvider.Now().Unix(),
	}
	tbs, err := kp.toBeSigned()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyPackage, err)
	}
	kp.Signature = ed25519.Sign(sigPriv, tbs)

	raw, err := marshal(kp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyPackage, err)
	}
	sum := sha256.Sum256(raw)
	ref := sum[:]

	secretRaw, err := marshal(&keyPackageSecret{InitKey: initPriv, SignatureKey: sigPriv, Identity: identityHex})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyPackage, err)
	}
	defer crypto.ZeroBytes(secretRaw)

	m.mu.Lock()
	err = m.storage.SaveKeyPackage(ref, secretRaw)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	tags := nostr.Tags{
		{"mls_protocol_version", ProtocolVersion},
		{"mls_ciphersuite", fmt.Sprintf("0x%04x", Ciphersuite)},
	}
	relaysTag := nostr.Tag{"relays"}
	relaysTag = append(relaysTag, relays...)
	tags = append(tags, relaysTag)
	for _, r := range relays {
		tags = append(tags, event.RelayTag(r))
	}
	tags = append(tags, nostr.Tag{"alt", event.KeyPackageAlt})

	logrus.WithFields(logrus.Fields{
		"function": "CreateKeyPackage",
		"package":  "mdk",
		"identity": crypto.ShortKey(identityHex),
		"relays":   len(relays),
	}).Debug("Created key package")

	return &KeyPackageBundle{
		Content: base64.StdEncoding.EncodeToString(raw),
		Tags:    tags,
		Relays:  append([]string(nil), relays...),
		Ref:     ref,
	}, nil
}

// ParseKeyPackage verifies a signed kind-443 event and decodes its key
// package. The key package identity must match the event author.
func ParseKeyPackage(evt *nostr.Event) (*KeyPackage, error) {
	if evt == nil || evt.Kind != event.KindKeyPackage {
		return nil, fmt.Errorf("%w: expected kind %d", ErrKeyPackage, event.KindKeyPackage)
	}
	if err := event.Verify(evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyPackage, err)
	}
	raw, err := base64.StdEncoding.DecodeString(evt.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyPackage, err)
	}
	var kp KeyPackage
	if err := unmarshal(raw, &kp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyPackage, err)
	}
	if err := kp.verify(); err != nil {
		return nil, err
	}
	if kp.Identity != evt.PubKey {
		return nil, fmt.Errorf("%w: identity does not match event author", ErrKeyPackage)
	}
	return &kp, nil
}

// loadKeyPackageSecret fetches the private half for ref. Callers hold m.mu.
func (m *MDK) loadKeyPackageSecret(ref []byte) (*keyPackageSecret, error) {
	raw, err := m.storage.LoadKeyPackage(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyPackageNotFound, err)
	}
	defer crypto.ZeroBytes(raw)
	var s keyPackageSecret
	if err := unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return &s, nil
}
