package mdk

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/crypto"
	"github.com/opd-ai/haven/event"
	"github.com/opd-ai/haven/limits"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
)

type contentType uint8

const (
	contentApplication contentType = iota + 1
	contentProposal
	contentCommit
	contentExternalJoin
)

// Message is the group-level ciphertext carried inside kind-445 content.
type Message struct {
	GroupID     GroupID `cbor:"1,keyasint"`
	Epoch       uint64  `cbor:"2,keyasint"`
	ContentType uint8   `cbor:"3,keyasint"`
	Nonce       []byte  `cbor:"4,keyasint"`
	Ciphertext  []byte  `cbor:"5,keyasint"`
}

type messageHeader struct {
	GroupID     GroupID `cbor:"1,keyasint"`
	Epoch       uint64  `cbor:"2,keyasint"`
	ContentType uint8   `cbor:"3,keyasint"`
}

// frame is the plaintext of a Message.
type frame struct {
	SenderLeaf uint32 `cbor:"1,keyasint"`
	Payload    []byte `cbor:"2,keyasint"`
	Signature  []byte `cbor:"3,keyasint"`
}

type frameTBS struct {
	Header     messageHeader `cbor:"1,keyasint"`
	SenderLeaf uint32        `cbor:"2,keyasint"`
	Payload    []byte        `cbor:"3,keyasint"`
}

// selfRemove is the only proposal type.
type selfRemove struct {
	Leaf uint32 `cbor:"1,keyasint"`
}

// sealMessage frames payload under the application key of epoch.
func (st *groupState) sealMessage(epoch uint64, ct contentType, payload []byte) (*Message, error) {
	secret, ok := st.secretFor(epoch)
	if !ok {
		return nil, fmt.Errorf("%w: epoch %d", ErrEpochUnavailable, epoch)
	}
	key, err := applicationKey(secret, st.MLSGroupID)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)

	header := messageHeader{GroupID: st.MLSGroupID, Epoch: epoch, ContentType: uint8(ct)}
	tbs, err := marshal(&frameTBS{Header: header, SenderLeaf: st.OwnLeaf, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessage, err)
	}
	plain, err := marshal(&frame{
		SenderLeaf: st.OwnLeaf,
		Payload:    payload,
		Signature:  ed25519.Sign(st.signingKey(), tbs),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessage, err)
	}
	aad, err := marshal(&header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessage, err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrEncryption, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrEncryption, err)
	}

	return &Message{
		GroupID:     st.MLSGroupID,
		Epoch:       epoch,
		ContentType: uint8(ct),
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plain, aad),
	}, nil
}

// openMessage authenticates and decrypts msg, returning the sender and the
// payload.
func (st *groupState) openMessage(msg *Message) (*member, []byte, error) {
	secret, ok := st.secretFor(msg.Epoch)
	if !ok {
		return nil, nil, fmt.Errorf("%w: epoch %d", ErrEpochUnavailable, msg.Epoch)
	}
	key, err := applicationKey(secret, st.MLSGroupID)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.ZeroBytes(key)

	header := messageHeader{GroupID: msg.GroupID, Epoch: msg.Epoch, ContentType: msg.ContentType}
	aad, err := marshal(&header)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	if len(msg.Nonce) != aead.NonceSize() {
		return nil, nil, fmt.Errorf("%w: bad nonce", crypto.ErrDecryption)
	}
	plain, err := aead.Open(nil, msg.Nonce, msg.Ciphertext, aad)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", crypto.ErrDecryption, err)
	}

	var f frame
	if err := unmarshal(plain, &f); err != nil {
		return nil, nil, fmt.Errorf("%w: frame: %v", crypto.ErrDecryption, err)
	}
	sender, ok := st.memberByLeaf(f.SenderLeaf)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown sender leaf %d", ErrMemberNotFound, f.SenderLeaf)
	}
	tbs, err := marshal(&frameTBS{Header: header, SenderLeaf: f.SenderLeaf, Payload: f.Payload})
	if err != nil {
		return nil, nil, err
	}
	if !ed25519.Verify(ed25519.PublicKey(sender.SignatureKey), tbs, f.Signature) {
		return nil, nil, crypto.ErrInvalidSignature
	}
	return sender, f.Payload, nil
}

// toEvent encrypts msg with the exporter secret of its epoch and wraps it
// in a kind-445 event signed by a one-time key.
func (m *MDK) toEvent(st *groupState, msg *Message, opts MessageOptions) (*nostr.Event, error) {
	raw, err := marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessage, err)
	}

	secret, ok := st.secretFor(msg.Epoch)
	if !ok {
		return nil, fmt.Errorf("%w: epoch %d", ErrEpochUnavailable, msg.Epoch)
	}
	exporter, err := exporterSecret(secret, st.MLSGroupID)
	if err != nil {
		return nil, err
	}
	ck, err := crypto.NewConversationKey(exporter)
	crypto.ZeroBytes(exporter)
	if err != nil {
		return nil, err
	}
	defer ck.Wipe()

	content, err := crypto.Encrypt(base64.StdEncoding.EncodeToString(raw), ck)
	if err != nil {
		return nil, err
	}

	groupOpts := event.GroupMessageOptions{Geohash: opts.Geohash}
	if opts.ExpiresAt != 0 {
		groupOpts.ExpiresAt = time.Unix(opts.ExpiresAt, 0)
	}
	evt := event.NewGroupMessage(hex.EncodeToString(st.NostrGroupID[:]), content, m.timeProvider.Now(), groupOpts)

	ephemeral, err := crypto.GenerateEphemeralKeys()
	if err != nil {
		return nil, err
	}
	defer ephemeral.Wipe()
	if err := event.Sign(evt, ephemeral); err != nil {
		return nil, err
	}
	return evt, nil
}

// CreateMessage encrypts an unsigned rumor for the group and returns a
// signed kind-445 event.
func (m *MDK) CreateMessage(id GroupID, rumor *nostr.Event, opts MessageOptions) (*nostr.Event, error) {
	if rumor == nil {
		return nil, fmt.Errorf("%w: nil rumor", ErrMessage)
	}
	if rumor.Sig != "" {
		return nil, fmt.Errorf("%w: rumor must be unsigned", ErrMessage)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.group(id)
	if err != nil {
		return nil, err
	}
	if st.State == GroupInactive {
		return nil, ErrInactiveGroup
	}

	inner := *rumor
	if inner.PubKey == "" {
		inner.PubKey = st.OwnIdentity
	}
	if inner.PubKey != st.OwnIdentity {
		return nil, fmt.Errorf("%w: rumor author is not this member", ErrMessage)
	}
	if inner.Tags == nil {
		inner.Tags = nostr.Tags{}
	}
	event.SetID(&inner)

	payload, err := json.Marshal(&inner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessage, err)
	}
	msg, err := st.sealMessage(st.Epoch, contentApplication, payload)
	if err != nil {
		return nil, err
	}
	return m.toEvent(st, msg, opts)
}

// LeaveGroup publishes a self-remove proposal and marks the group
// inactive. The returned event must be published for the remaining members
// to remove this client in their next commit.
func (m *MDK) LeaveGroup(id GroupID) (*UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.group(id)
	if err != nil {
		return nil, err
	}
	if st.State == GroupInactive {
		return nil, ErrInactiveGroup
	}

	payload, err := marshal(&selfRemove{Leaf: st.OwnLeaf})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessage, err)
	}
	msg, err := st.sealMessage(st.Epoch, contentProposal, payload)
	if err != nil {
		return nil, err
	}
	evt, err := m.toEvent(st, msg, MessageOptions{})
	if err != nil {
		return nil, err
	}

	st.State = GroupInactive
	if err := m.persist(st); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "LeaveGroup",
		"package":  "mdk",
		"group":    id.String(),
	}).Info("Left group")

	return &UpdateResult{EvolutionEvent: evt, MLSGroupID: id}, nil
}

func unprocessable(id GroupID, reason string) *ProcessResult {
	return &ProcessResult{Kind: Unprocessable, MLSGroupID: id, Reason: reason}
}

// ProcessMessage routes a kind-445 event to its group by the h tag and
// processes it.
func (m *MDK) ProcessMessage(evt *nostr.Event) (*ProcessResult, error) {
	h, ok := event.TagValue(evt, "h")
	if !ok {
		return nil, fmt.Errorf("%w: missing h tag", ErrMessage)
	}
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("%w: bad h tag", ErrMessage)
	}
	nostrID, err := GroupIDFromBytes(raw)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.groupByNostrID(nostrID)
	if !ok {
		return nil, ErrGroupNotFound
	}
	return m.process(st, evt)
}

// ProcessGroupMessage processes evt in the context of group id. Events
// addressed to another group are Unprocessable.
func (m *MDK) ProcessGroupMessage(id GroupID, evt *nostr.Event) (*ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.group(id)
	if err != nil {
		return nil, err
	}
	return m.process(st, evt)
}

// process handles evt for st. Callers hold m.mu.
func (m *MDK) process(st *groupState, evt *nostr.Event) (*ProcessResult, error) {
	id := st.MLSGroupID

	if evt == nil || evt.Kind != event.KindGroupMessage {
		return unprocessable(id, "not a group message"), nil
	}
	if st.State == GroupInactive {
		return unprocessable(id, "group inactive"), nil
	}
	h, _ := event.TagValue(evt, "h")
	if h != hex.EncodeToString(st.NostrGroupID[:]) {
		return unprocessable(id, "group mismatch"), nil
	}
	if err := limits.ValidateEventContent(evt.Content); err != nil {
		return unprocessable(id, "oversized content"), nil
	}
	if err := event.Verify(evt); err != nil {
		return unprocessable(id, "bad outer signature"), nil
	}

	msg, epoch, ok := m.decryptOuter(st, evt.Content)
	if !ok {
		return unprocessable(id, "cannot decrypt"), nil
	}
	if msg.GroupID != st.MLSGroupID || msg.Epoch != epoch {
		return unprocessable(id, "group or epoch mismatch"), nil
	}

	sender, payload, err := st.openMessage(msg)
	if err != nil {
		return unprocessable(id, "cannot authenticate"), nil
	}

	switch contentType(msg.ContentType) {
	case contentApplication:
		var rumor nostr.Event
		if err := json.Unmarshal(payload, &rumor); err != nil {
			return unprocessable(id, "bad rumor"), nil
		}
		if rumor.PubKey != sender.Identity {
			return unprocessable(id, "rumor author mismatch"), nil
		}
		return &ProcessResult{
			Kind:         ApplicationMessage,
			MLSGroupID:   id,
			SenderPubkey: sender.Identity,
			Rumor:        &rumor,
		}, nil

	case contentProposal:
		var p selfRemove
		if err := unmarshal(payload, &p); err != nil || p.Leaf != sender.Leaf {
			return unprocessable(id, "bad proposal"), nil
		}
		if !hasLeaf(st.Proposals, p.Leaf) {
			st.Proposals = append(st.Proposals, p.Leaf)
			if err := m.persist(st); err != nil {
				return nil, err
			}
		}
		return &ProcessResult{Kind: Proposal, MLSGroupID: id, SenderPubkey: sender.Identity}, nil

	case contentCommit:
		if sender.Leaf == st.OwnLeaf {
			return &ProcessResult{Kind: Commit, MLSGroupID: id, SenderPubkey: sender.Identity}, nil
		}
		if reason, err := m.applyCommit(st, sender, msg.Epoch, payload); err != nil {
			return nil, err
		} else if reason != "" {
			return unprocessable(id, reason), nil
		}
		return &ProcessResult{Kind: Commit, MLSGroupID: id, SenderPubkey: sender.Identity}, nil

	case contentExternalJoin:
		return &ProcessResult{Kind: ExternalJoinProposal, MLSGroupID: id}, nil

	default:
		return unprocessable(id, "unknown content type"), nil
	}
}

// decryptOuter tries every retained exporter secret, newest first.
func (m *MDK) decryptOuter(st *groupState, content string) (*Message, uint64, bool) {
	for _, e := range st.Secrets {
		exporter, err := exporterSecret(e.Secret, st.MLSGroupID)
		if err != nil {
			continue
		}
		ck, err := crypto.NewConversationKey(exporter)
		crypto.ZeroBytes(exporter)
		if err != nil {
			continue
		}
		plain, err := crypto.Decrypt(content, ck)
		ck.Wipe()
		if err != nil {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(plain)
		if err != nil {
			return nil, 0, false
		}
		if limits.ValidateProcessingBuffer(raw) != nil {
			return nil, 0, false
		}
		var msg Message
		if err := unmarshal(raw, &msg); err != nil {
			return nil, 0, false
		}
		return &msg, e.Epoch, true
	}
	return nil, 0, false
}
