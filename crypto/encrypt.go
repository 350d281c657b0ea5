package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/opd-ai/haven/limits"
)

const (
	// EnvelopeVersion is the version tag in byte 0 of every payload.
	EnvelopeVersion byte = 0x02
	// EnvelopeNonceSize is the size of the per-message nonce.
	EnvelopeNonceSize = 32
	// EnvelopeMACSize is the size of the trailing HMAC-SHA256 tag.
	EnvelopeMACSize = 32
)

var (
	// ErrEncryption is returned when a payload cannot be produced.
	ErrEncryption = errors.New("encryption failed")
	// ErrDecryption is returned for any payload that does not open. The
	// wrapped detail is for logs; callers surface only "invalid".
	ErrDecryption = errors.New("decryption failed")
)

// Payload is the decoded wire layout of an envelope:
//
//	version(1) || nonce(32) || padded ciphertext || mac(32)
type Payload struct {
	Version    byte
	Nonce      [EnvelopeNonceSize]byte
	Ciphertext []byte
	MAC        [EnvelopeMACSize]byte
}

// ParsePayload decodes the base64 wire form into its layout fields without
// authenticating it.
func ParsePayload(encoded string) (*Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrDecryption, err)
	}
	if len(raw) < limits.MinEnvelopePayload {
		return nil, fmt.Errorf("%w: payload too short (%d bytes)", ErrDecryption, len(raw))
	}

	p := &Payload{Version: raw[0]}
	copy(p.Nonce[:], raw[1:1+EnvelopeNonceSize])
	p.Ciphertext = raw[1+EnvelopeNonceSize : len(raw)-EnvelopeMACSize]
	copy(p.MAC[:], raw[len(raw)-EnvelopeMACSize:])
	return p, nil
}

// Encrypt seals plaintext under the conversation key and returns the base64
// wire payload. A fresh random nonce is drawn for every call, so equal inputs
// never produce equal payloads. Empty plaintext is rejected.
func Encrypt(plaintext string, key *ConversationKey) (string, error) {
	if err := limits.ValidateEnvelopePlaintext([]byte(plaintext)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	raw, err := key.array()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	defer ZeroBytes(raw[:])

	out, err := nip44.Encrypt(plaintext, raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return out, nil
}
