package mdk

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/crypto"
	"github.com/opd-ai/haven/event"
	"github.com/stretchr/testify/require"
)

// party is one client in a test: an identity and its kit.
type party struct {
	id  *crypto.Identity
	kit *MDK
}

func newParty(t *testing.T) *party {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	kit, err := New(NewMemoryStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { kit.Close() })
	return &party{id: id, kit: kit}
}

func (p *party) pubkey() string {
	return p.id.PublicKeyHex()
}

// keyPackageEvent creates and signs a kind-443 event.
func (p *party) keyPackageEvent(t *testing.T) *nostr.Event {
	t.Helper()
	bundle, err := p.kit.CreateKeyPackage(p.pubkey(), []string{"wss://relay.example.com"})
	require.NoError(t, err)
	evt := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      event.KindKeyPackage,
		Tags:      bundle.Tags,
		Content:   bundle.Content,
	}
	require.NoError(t, event.Sign(evt, p.id))
	return evt
}

func (p *party) rumor(content string) *nostr.Event {
	return event.NewRumor(p.pubkey(), event.KindApplication, content, nil, time.Now())
}

// createGroupWith creates a group owned by owner with members joined and
// accepted.
func createGroupWith(t *testing.T, owner *party, members ...*party) GroupID {
	t.Helper()
	kps := make([]*nostr.Event, 0, len(members))
	for _, m := range members {
		kps = append(kps, m.keyPackageEvent(t))
	}
	res, err := owner.kit.CreateGroup(owner.pubkey(), kps, GroupConfig{
		Name:   "Test",
		Relays: []string{"wss://relay.example.com"},
	})
	require.NoError(t, err)
	require.Len(t, res.WelcomeRumors, len(members))
	require.NoError(t, owner.kit.MergePendingCommit(res.Group.MLSGroupID))

	for i, m := range members {
		preview, err := m.kit.ProcessWelcome("wrapper", res.WelcomeRumors[i])
		require.NoError(t, err)
		require.NoError(t, m.kit.AcceptWelcome(preview.MLSGroupID))
	}
	return res.Group.MLSGroupID
}
