package crypto

import (
	"fmt"
	"unicode/utf8"

	"github.com/nbd-wtf/go-nostr/nip44"
)

// Decrypt authenticates and opens a base64 wire payload. It fails on bad
// base64, an unknown version byte, a MAC mismatch, bad padding, or plaintext
// that is not valid UTF-8.
func Decrypt(encoded string, key *ConversationKey) (string, error) {
	p, err := ParsePayload(encoded)
	if err != nil {
		return "", err
	}
	if p.Version != EnvelopeVersion {
		return "", fmt.Errorf("%w: unsupported version 0x%02x", ErrDecryption, p.Version)
	}

	raw, err := key.array()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	defer ZeroBytes(raw[:])

	plaintext, err := nip44.Decrypt(encoded, raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if !utf8.ValidString(plaintext) {
		return "", fmt.Errorf("%w: plaintext is not valid utf-8", ErrDecryption)
	}
	return plaintext, nil
}

// EncryptFor derives the conversation key between signer and recipient and
// encrypts plaintext under it. The derived key is wiped before return.
func EncryptFor(from KeyAgreement, recipientPubkeyHex, plaintext string) (string, error) {
	ck, err := from.ConversationKey(recipientPubkeyHex)
	if err != nil {
		return "", err
	}
	defer ck.Wipe()
	return Encrypt(plaintext, ck)
}

// DecryptFrom derives the conversation key between holder and sender and
// decrypts the payload. The derived key is wiped before return.
func DecryptFrom(to KeyAgreement, senderPubkeyHex, payload string) (string, error) {
	ck, err := to.ConversationKey(senderPubkeyHex)
	if err != nil {
		return "", err
	}
	defer ck.Wipe()
	return Decrypt(payload, ck)
}

// KeyAgreement is satisfied by Identity and EphemeralKeys.
type KeyAgreement interface {
	ConversationKey(peerPubkeyHex string) (*ConversationKey, error)
}
