package mdk

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/crypto"
	"github.com/sirupsen/logrus"
)

func randomGroupID() (GroupID, error) {
	var id GroupID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return id, nil
}

func publicSigningKey(priv []byte) []byte {
	if len(priv) != ed25519.PrivateKeySize {
		return nil
	}
	return []byte(ed25519.PrivateKey(priv).Public().(ed25519.PublicKey))
}

// CreateGroup creates a group owned by creatorHex and a pending commit
// adding the owners of keyPackages. The creator is always an admin. The
// caller must call MergePendingCommit once the welcomes are sent.
func (m *MDK) CreateGroup(creatorHex string, keyPackages []*nostr.Event, cfg GroupConfig) (*CreateGroupResult, error) {
	if !crypto.IsValidPublicKey(creatorHex) {
		return nil, crypto.ErrInvalidPubkey
	}

	mlsID, err := randomGroupID()
	if err != nil {
		return nil, err
	}
	nostrID, err := randomGroupID()
	if err != nil {
		return nil, err
	}
	epochSecret := make([]byte, secretSize)
	if _, err := rand.Read(epochSecret); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}

	initPriv, initPub, err := x25519KeyPair()
	if err != nil {
		return nil, err
	}
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	admins := []string{creatorHex}
	for _, a := range cfg.Admins {
		if a != creatorHex {
			admins = append(admins, a)
		}
	}

	st := &groupState{
		MLSGroupID:   mlsID,
		NostrGroupID: nostrID,
		Name:         cfg.Name,
		Description:  cfg.Description,
		Admins:       admins,
		Relays:       append([]string(nil), cfg.Relays...),
		State:        GroupActive,
		Members: []member{{
			Leaf:         0,
			Identity:     creatorHex,
			SignatureKey: sigPub,
			InitKey:      initPub,
		}},
		NextLeaf:    1,
		OwnLeaf:     0,
		OwnIdentity: creatorHex,
		OwnInitKey:  initPriv,
		OwnSigKey:   sigPriv,
	}
	st.pushEpoch(0, epochSecret)

	m.mu.Lock()
	defer m.mu.Unlock()

	_, welcomes, err := m.buildCommit(st, keyPackages, nil)
	if err != nil {
		st.wipe()
		return nil, err
	}
	if err := m.persist(st); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateGroup",
		"package":  "mdk",
		"group":    mlsID.String(),
		"invitees": len(welcomes),
	}).Info("Created group")

	return &CreateGroupResult{Group: st.public(), WelcomeRumors: welcomes}, nil
}
