package event

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/crypto"
	"github.com/sirupsen/logrus"
)

// ComputeID returns the SHA-256 of the canonical serialization.
func ComputeID(evt *nostr.Event) [32]byte {
	return sha256.Sum256(evt.Serialize())
}

// SetID fills in the id without signing. Used for rumors.
func SetID(evt *nostr.Event) {
	id := ComputeID(evt)
	evt.ID = hex.EncodeToString(id[:])
}

// Sign sets the pubkey, id and signature of evt using signer.
func Sign(evt *nostr.Event, signer crypto.Signer) error {
	evt.PubKey = signer.PublicKeyHex()
	id := ComputeID(evt)

	sig, err := signer.Sign(id)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sign",
			"package":  "event",
			"kind":     evt.Kind,
			"error":    err.Error(),
		}).Error("Failed to sign event")
		return err
	}

	evt.ID = hex.EncodeToString(id[:])
	evt.Sig = hex.EncodeToString(sig[:])
	return nil
}

// VerifyID recomputes the id and compares it with evt.ID in constant time.
func VerifyID(evt *nostr.Event) ([32]byte, error) {
	var claimed [32]byte
	raw, err := hex.DecodeString(evt.ID)
	if err != nil || len(raw) != len(claimed) {
		return claimed, fmt.Errorf("%w: malformed id", ErrInvalidEvent)
	}
	copy(claimed[:], raw)

	computed := ComputeID(evt)
	if subtle.ConstantTimeCompare(claimed[:], computed[:]) != 1 {
		return claimed, ErrIDMismatch
	}
	return computed, nil
}

// Verify checks the id and the Schnorr signature of evt.
func Verify(evt *nostr.Event) error {
	id, err := VerifyID(evt)
	if err != nil {
		return err
	}

	pub, err := crypto.ParsePublicKey(evt.PubKey)
	if err != nil {
		return err
	}

	var sig [crypto.SignatureSize]byte
	raw, err := hex.DecodeString(evt.Sig)
	if err != nil || len(raw) != len(sig) {
		return fmt.Errorf("%w: malformed signature", crypto.ErrInvalidSignature)
	}
	copy(sig[:], raw)

	return crypto.VerifySignature(pub, id, sig)
}
