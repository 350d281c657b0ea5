package giftwrap

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/crypto"
	"github.com/opd-ai/haven/event"
	"github.com/opd-ai/haven/limits"
	"github.com/sirupsen/logrus"
)

// MaxTimestampSkew bounds the random shift applied to seal and wrap
// timestamps.
const MaxTimestampSkew = 48 * time.Hour

var (
	// ErrGiftWrap is returned when a welcome cannot be wrapped.
	ErrGiftWrap = errors.New("gift wrap failed")
	// ErrGiftUnwrap is returned when a gift wrap cannot be opened or does
	// not hold a welcome.
	ErrGiftUnwrap = errors.New("gift unwrap failed")
)

// Sender is the identity that seals a welcome.
type Sender interface {
	crypto.Signer
	crypto.KeyAgreement
}

// Unwrapped is an opened welcome.
type Unwrapped struct {
	// SenderPubkey comes from the verified seal.
	SenderPubkey string
	// WrapperEventID is the id of the outer kind-1059 event.
	WrapperEventID string
	// Rumor is the unsigned kind-444 welcome.
	Rumor *nostr.Event
}

// Wrapper wraps and unwraps welcomes.
type Wrapper struct {
	timeProvider crypto.TimeProvider
}

// NewWrapper creates a Wrapper. A nil time provider uses the wall clock.
func NewWrapper(tp crypto.TimeProvider) *Wrapper {
	return &Wrapper{timeProvider: crypto.OrDefault(tp)}
}

var defaultWrapper = NewWrapper(nil)

// WrapWelcome wraps rumor for recipient using the wall clock.
func WrapWelcome(sender Sender, recipientPubkeyHex string, rumor *nostr.Event) (*nostr.Event, error) {
	return defaultWrapper.WrapWelcome(sender, recipientPubkeyHex, rumor)
}

// UnwrapWelcome opens a gift wrap addressed to recipient.
func UnwrapWelcome(recipient crypto.KeyAgreement, wrap *nostr.Event) (*Unwrapped, error) {
	return defaultWrapper.UnwrapWelcome(recipient, wrap)
}

// WrapWelcome seals rumor with the sender's identity and wraps the seal
// with a fresh one-time key.
func (w *Wrapper) WrapWelcome(sender Sender, recipientPubkeyHex string, rumor *nostr.Event) (*nostr.Event, error) {
	if rumor == nil || rumor.Kind != event.KindWelcome {
		return nil, fmt.Errorf("%w: rumor must be kind %d", ErrGiftWrap, event.KindWelcome)
	}
	if !crypto.IsValidPublicKey(recipientPubkeyHex) {
		return nil, fmt.Errorf("%w: %v", ErrGiftWrap, crypto.ErrInvalidPubkey)
	}

	unsigned := *rumor
	unsigned.Sig = ""
	unsigned.PubKey = sender.PublicKeyHex()
	event.SetID(&unsigned)

	rumorJSON, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("%w: encode rumor: %v", ErrGiftWrap, err)
	}

	sealContent, err := crypto.EncryptFor(sender, recipientPubkeyHex, string(rumorJSON))
	if err != nil {
		return nil, fmt.Errorf("%w: seal: %v", ErrGiftWrap, err)
	}

	sealedAt, err := w.randomizedTimestamp()
	if err != nil {
		return nil, err
	}
	seal := &nostr.Event{
		CreatedAt: sealedAt,
		Kind:      event.KindSeal,
		Tags:      nostr.Tags{},
		Content:   sealContent,
	}
	if err := event.Sign(seal, sender); err != nil {
		return nil, fmt.Errorf("%w: sign seal: %v", ErrGiftWrap, err)
	}

	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nil, fmt.Errorf("%w: encode seal: %v", ErrGiftWrap, err)
	}

	ephemeral, err := crypto.GenerateEphemeralKeys()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGiftWrap, err)
	}
	defer ephemeral.Wipe()

	wrapContent, err := crypto.EncryptFor(ephemeral, recipientPubkeyHex, string(sealJSON))
	if err != nil {
		return nil, fmt.Errorf("%w: wrap: %v", ErrGiftWrap, err)
	}

	wrappedAt, err := w.randomizedTimestamp()
	if err != nil {
		return nil, err
	}
	wrap := &nostr.Event{
		CreatedAt: wrappedAt,
		Kind:      event.KindGiftWrap,
		Tags:      nostr.Tags{event.PubkeyTag(recipientPubkeyHex)},
		Content:   wrapContent,
	}
	if err := event.Sign(wrap, ephemeral); err != nil {
		return nil, fmt.Errorf("%w: sign wrap: %v", ErrGiftWrap, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "WrapWelcome",
		"package":   "giftwrap",
		"recipient": crypto.ShortKey(recipientPubkeyHex),
	}).Debug("Wrapped welcome")

	return wrap, nil
}

// UnwrapWelcome opens wrap, verifies the seal and returns the inner
// welcome rumor.
func (w *Wrapper) UnwrapWelcome(recipient crypto.KeyAgreement, wrap *nostr.Event) (*Unwrapped, error) {
	if wrap == nil || wrap.Kind != event.KindGiftWrap {
		return nil, fmt.Errorf("%w: expected kind %d", ErrGiftUnwrap, event.KindGiftWrap)
	}
	if err := limits.ValidateEventContent(wrap.Content); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGiftUnwrap, err)
	}
	if err := event.Verify(wrap); err != nil {
		return nil, fmt.Errorf("%w: outer event: %v", ErrGiftUnwrap, err)
	}

	sealJSON, err := crypto.DecryptFrom(recipient, wrap.PubKey, wrap.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGiftUnwrap, err)
	}

	var seal nostr.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return nil, fmt.Errorf("%w: decode seal: %v", ErrGiftUnwrap, err)
	}
	if seal.Kind != event.KindSeal {
		return nil, fmt.Errorf("%w: seal has kind %d", ErrGiftUnwrap, seal.Kind)
	}
	if err := event.Verify(&seal); err != nil {
		return nil, fmt.Errorf("%w: seal: %v", ErrGiftUnwrap, err)
	}

	rumorJSON, err := crypto.DecryptFrom(recipient, seal.PubKey, seal.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGiftUnwrap, err)
	}

	var rumor nostr.Event
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return nil, fmt.Errorf("%w: decode rumor: %v", ErrGiftUnwrap, err)
	}
	if rumor.Kind != event.KindWelcome {
		return nil, fmt.Errorf("%w: rumor has kind %d", ErrGiftUnwrap, rumor.Kind)
	}
	if rumor.PubKey != seal.PubKey {
		return nil, fmt.Errorf("%w: rumor author does not match seal", ErrGiftUnwrap)
	}
	if _, err := event.VerifyID(&rumor); err != nil {
		return nil, fmt.Errorf("%w: rumor: %v", ErrGiftUnwrap, err)
	}

	return &Unwrapped{
		SenderPubkey:   seal.PubKey,
		WrapperEventID: wrap.ID,
		Rumor:          &rumor,
	}, nil
}

// randomizedTimestamp returns now shifted uniformly within ±MaxTimestampSkew.
func (w *Wrapper) randomizedTimestamp() (nostr.Timestamp, error) {
	span := int64(2 * MaxTimestampSkew / time.Second)
	n, err := rand.Int(rand.Reader, big.NewInt(span+1))
	if err != nil {
		return 0, fmt.Errorf("%w: timestamp: %v", ErrGiftWrap, err)
	}
	offset := n.Int64() - span/2
	return nostr.Timestamp(w.timeProvider.Now().Unix() + offset), nil
}
