package mdk

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/crypto"
	"github.com/opd-ai/haven/event"
	"github.com/sirupsen/logrus"
)

// groupInfo is what a new member needs to join at the commit's epoch.
type groupInfo struct {
	MLSGroupID    GroupID  `cbor:"1,keyasint"`
	NostrGroupID  GroupID  `cbor:"2,keyasint"`
	Name          string   `cbor:"3,keyasint"`
	Description   string   `cbor:"4,keyasint"`
	Admins        []string `cbor:"5,keyasint"`
	Relays        []string `cbor:"6,keyasint"`
	Epoch         uint64   `cbor:"7,keyasint"`
	EpochSecret   []byte   `cbor:"8,keyasint"`
	Members       []member `cbor:"9,keyasint"`
	NextLeaf      uint32   `cbor:"10,keyasint"`
	NewMemberLeaf uint32   `cbor:"11,keyasint"`
}

// welcome is the kind-444 content: group info sealed to the key package
// init key.
type welcome struct {
	Ciphersuite   uint16 `cbor:"1,keyasint"`
	KeyPackageRef []byte `cbor:"2,keyasint"`
	Secrets       sealed `cbor:"3,keyasint"`
}

// buildWelcome returns an unsigned kind-444 rumor for one new member.
func (m *MDK) buildWelcome(senderHex string, info *groupInfo, kp *KeyPackage, keyPackageEventID string) (*nostr.Event, error) {
	ref, err := kp.Ref()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyPackage, err)
	}
	plain, err := marshal(info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessage, err)
	}
	defer crypto.ZeroBytes(plain)

	s, err := seal(kp.InitKey, "welcome", plain, ref)
	if err != nil {
		return nil, err
	}
	raw, err := marshal(&welcome{Ciphersuite: Ciphersuite, KeyPackageRef: ref, Secrets: *s})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessage, err)
	}

	relays := nostr.Tag{"relays"}
	relays = append(relays, info.Relays...)
	tags := nostr.Tags{relays}
	if keyPackageEventID != "" {
		tags = append(nostr.Tags{{"e", keyPackageEventID}}, tags...)
	}
	return event.NewRumor(senderHex, event.KindWelcome, base64.StdEncoding.EncodeToString(raw), tags, m.timeProvider.Now()), nil
}

// ProcessWelcome opens a welcome rumor and stores the group as pending.
// wrapperEventID records the gift wrap the welcome arrived in.
func (m *MDK) ProcessWelcome(wrapperEventID string, rumor *nostr.Event) (*WelcomePreview, error) {
	if rumor == nil || rumor.Kind != event.KindWelcome {
		return nil, fmt.Errorf("%w: expected kind %d", ErrInvalidWelcome, event.KindWelcome)
	}
	raw, err := base64.StdEncoding.DecodeString(rumor.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWelcome, err)
	}
	var w welcome
	if err := unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWelcome, err)
	}
	if w.Ciphersuite != Ciphersuite {
		return nil, fmt.Errorf("%w: unsupported ciphersuite 0x%04x", ErrInvalidWelcome, w.Ciphersuite)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kps, err := m.loadKeyPackageSecret(w.KeyPackageRef)
	if err != nil {
		return nil, err
	}
	defer func() {
		crypto.ZeroBytes(kps.InitKey)
		crypto.ZeroBytes(kps.SignatureKey)
	}()

	plain, err := open(&w.Secrets, kps.InitKey, "welcome", w.KeyPackageRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWelcome, err)
	}
	defer crypto.ZeroBytes(plain)

	var info groupInfo
	if err := unmarshal(plain, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWelcome, err)
	}

	var self *member
	for i := range info.Members {
		if info.Members[i].Leaf == info.NewMemberLeaf {
			self = &info.Members[i]
		}
	}
	if self == nil || self.Identity != kps.Identity {
		return nil, fmt.Errorf("%w: welcome does not name this member", ErrInvalidWelcome)
	}
	if subtle.ConstantTimeCompare(self.SignatureKey, publicSigningKey(kps.SignatureKey)) != 1 {
		return nil, fmt.Errorf("%w: leaf key mismatch", ErrInvalidWelcome)
	}

	if existing, ok := m.groups[info.MLSGroupID]; ok && existing.State == GroupActive {
		return nil, fmt.Errorf("%w: already a member of this group", ErrInvalidWelcome)
	}

	st := &groupState{
		MLSGroupID:     info.MLSGroupID,
		NostrGroupID:   info.NostrGroupID,
		Name:           info.Name,
		Description:    info.Description,
		Admins:         info.Admins,
		Relays:         info.Relays,
		State:          GroupPending,
		Members:        info.Members,
		NextLeaf:       info.NextLeaf,
		OwnLeaf:        info.NewMemberLeaf,
		OwnIdentity:    kps.Identity,
		OwnInitKey:     cloneBytes(kps.InitKey),
		OwnSigKey:      cloneBytes(kps.SignatureKey),
		WelcomerPubkey: rumor.PubKey,
		WrapperEventID: wrapperEventID,
	}
	st.pushEpoch(info.Epoch, cloneBytes(info.EpochSecret))

	if existing, ok := m.groups[info.MLSGroupID]; ok {
		existing.wipe()
	}
	if err := m.persist(st); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "ProcessWelcome",
		"package":  "mdk",
		"group":    st.MLSGroupID.String(),
		"welcomer": crypto.ShortKey(rumor.PubKey),
		"members":  len(st.Members),
	}).Info("Processed welcome")

	return st.preview(), nil
}

// AcceptWelcome activates a pending group.
func (m *MDK) AcceptWelcome(id GroupID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.group(id)
	if err != nil {
		return err
	}
	if st.State != GroupPending {
		return fmt.Errorf("%w: group is %s", ErrInvalidWelcome, st.State)
	}
	st.State = GroupActive
	return m.persist(st)
}

// DeclineWelcome drops a pending group.
func (m *MDK) DeclineWelcome(id GroupID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.group(id)
	if err != nil {
		return err
	}
	if st.State != GroupPending {
		return fmt.Errorf("%w: group is %s", ErrInvalidWelcome, st.State)
	}
	return m.deleteGroup(id)
}

// GetPendingWelcomes lists welcomes that are processed but not accepted.
func (m *MDK) GetPendingWelcomes() []*WelcomePreview {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*WelcomePreview
	for _, st := range m.groups {
		if st.State == GroupPending {
			out = append(out, st.preview())
		}
	}
	return out
}
