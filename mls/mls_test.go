package mls

import (
	"errors"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/crypto"
	"github.com/opd-ai/haven/event"
	"github.com/opd-ai/haven/location"
	"github.com/opd-ai/haven/mdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type member struct {
	id      *crypto.Identity
	manager *Manager
}

func newMember(t *testing.T) *member {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	m, err := NewManagerWithStorage(mdk.NewMemoryStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return &member{id: id, manager: m}
}

func (p *member) keyPackage(t *testing.T) *nostr.Event {
	t.Helper()
	bundle, err := p.manager.CreateKeyPackage(p.id.PublicKeyHex(), []string{"wss://relay.example.com", "http://bad"})
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://relay.example.com"}, bundle.Relays)
	evt := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      event.KindKeyPackage,
		Tags:      bundle.Tags,
		Content:   bundle.Content,
	}
	require.NoError(t, event.Sign(evt, p.id))
	return evt
}

func join(t *testing.T, owner *member, members ...*member) mdk.GroupID {
	t.Helper()
	var kps []*nostr.Event
	for _, m := range members {
		kps = append(kps, m.keyPackage(t))
	}
	res, err := owner.manager.CreateGroup(owner.id.PublicKeyHex(), kps, Config{
		Name:   "Family",
		Relays: []string{"wss://relay.example.com"},
	})
	require.NoError(t, err)
	gid := res.Group.MLSGroupID
	require.NoError(t, owner.manager.MergePendingCommit(gid))
	for i, m := range members {
		preview, err := m.manager.ProcessWelcome("wrapper", res.WelcomeRumors[i])
		require.NoError(t, err)
		require.NoError(t, m.manager.AcceptWelcome(preview.MLSGroupID))
	}
	return gid
}

func locationRumor(t *testing.T, p *member) *nostr.Event {
	t.Helper()
	loc := location.Obfuscate(37.774929, -122.419416, location.Standard)
	rumor, err := event.LocationRumor(p.id.PublicKeyHex(), loc, time.Now())
	require.NoError(t, err)
	return rumor
}

func TestLocationRoundtripThroughGroupContext(t *testing.T) {
	alice := newMember(t)
	bob := newMember(t)
	gid := join(t, alice, bob)

	aliceCtx, err := alice.manager.GroupContext(gid)
	require.NoError(t, err)
	bobCtx, err := bob.manager.GroupContext(gid)
	require.NoError(t, err)
	assert.Equal(t, aliceCtx.NostrGroupIDHex(), bobCtx.NostrGroupIDHex())

	evt, err := aliceCtx.EncryptEvent(locationRumor(t, alice), MessageOptions{})
	require.NoError(t, err)
	assert.Equal(t, event.KindGroupMessage, evt.Kind)
	_, hasExpiry, err := event.Expiration(evt)
	require.NoError(t, err)
	assert.True(t, hasExpiry)
	_, hasGeohash := event.TagValue(evt, "g")
	assert.False(t, hasGeohash)

	res, err := bobCtx.DecryptEvent(evt)
	require.NoError(t, err)
	require.Equal(t, Location, res.Kind)
	assert.Equal(t, alice.id.PublicKeyHex(), res.SenderPubkey)
	assert.Equal(t, 37.7749, res.Location.Latitude)
	assert.Equal(t, -122.4194, res.Location.Longitude)
	assert.False(t, res.Expired)
}

func TestProcessMessageRoutesByGroupTag(t *testing.T) {
	alice := newMember(t)
	bob := newMember(t)
	gid := join(t, alice, bob)

	evt, err := alice.manager.CreateMessage(gid, locationRumor(t, alice), MessageOptions{Geohash: "9q8yyk8y"})
	require.NoError(t, err)
	g, _ := event.TagValue(evt, "g")
	assert.Equal(t, "9q8yy", g)

	res, err := bob.manager.ProcessMessage(evt)
	require.NoError(t, err)
	assert.Equal(t, Location, res.Kind)
	assert.Equal(t, gid, res.MLSGroupID)
}

func TestOtherGroupIsUnprocessable(t *testing.T) {
	alice := newMember(t)
	bob := newMember(t)
	carol := newMember(t)
	aliceBob := join(t, alice, bob)
	carolBob := join(t, carol, bob)

	evt, err := alice.manager.CreateMessage(aliceBob, locationRumor(t, alice), MessageOptions{})
	require.NoError(t, err)

	carolCtx, err := bob.manager.GroupContext(carolBob)
	require.NoError(t, err)
	res, err := carolCtx.DecryptEvent(evt)
	require.NoError(t, err)
	assert.Equal(t, Unprocessable, res.Kind)
	assert.Nil(t, res.Location)

	// Carol is not in Alice's group at all.
	_, err = carol.manager.ProcessMessage(evt)
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestNonLocationApplicationIsUnprocessable(t *testing.T) {
	alice := newMember(t)
	bob := newMember(t)
	gid := join(t, alice, bob)

	rumor := event.NewRumor(alice.id.PublicKeyHex(), event.KindApplication, "hello", nil, time.Now())
	evt, err := alice.manager.CreateMessage(gid, rumor, MessageOptions{})
	require.NoError(t, err)

	res, err := bob.manager.ProcessMessage(evt)
	require.NoError(t, err)
	assert.Equal(t, Unprocessable, res.Kind)
}

func TestExpiredLocationIsFlagged(t *testing.T) {
	alice := newMember(t)
	bob := newMember(t)
	gid := join(t, alice, bob)

	loc := location.Obfuscate(1, 2, location.Private)
	loc.ExpiresAt = time.Now().Add(-time.Minute).Truncate(time.Second)
	rumor, err := event.LocationRumor(alice.id.PublicKeyHex(), loc, time.Now())
	require.NoError(t, err)
	evt, err := alice.manager.CreateMessage(gid, rumor, MessageOptions{})
	require.NoError(t, err)

	res, err := bob.manager.ProcessMessage(evt)
	require.NoError(t, err)
	require.Equal(t, Location, res.Kind)
	assert.True(t, res.Expired)
}

func TestMembershipUpdatesAndEpochs(t *testing.T) {
	alice := newMember(t)
	bob := newMember(t)
	carol := newMember(t)
	gid := join(t, alice, bob)

	aliceCtx, err := alice.manager.GroupContext(gid)
	require.NoError(t, err)
	start, err := aliceCtx.Epoch()
	require.NoError(t, err)
	require.NoError(t, aliceCtx.ValidateEpoch(start))

	update, err := alice.manager.AddMembers(gid, []*nostr.Event{carol.keyPackage(t)})
	require.NoError(t, err)
	require.Len(t, update.WelcomeRumors, 1)
	require.NoError(t, alice.manager.MergePendingCommit(gid))

	err = aliceCtx.ValidateEpoch(start)
	assert.ErrorIs(t, err, ErrEpochMismatch)
	require.NoError(t, aliceCtx.ValidateEpoch(start+1))

	res, err := bob.manager.ProcessMessage(update.EvolutionEvent)
	require.NoError(t, err)
	assert.Equal(t, GroupUpdate, res.Kind)
	assert.Equal(t, mdk.Commit, res.Update)

	members, err := bob.manager.GetMembers(gid)
	require.NoError(t, err)
	assert.Len(t, members, 3)
	assert.Contains(t, members, carol.id.PublicKeyHex())
}

func TestExporterSecret(t *testing.T) {
	alice := newMember(t)
	bob := newMember(t)
	gid := join(t, alice, bob)

	epoch, err := alice.manager.Epoch(gid)
	require.NoError(t, err)
	a, err := alice.manager.ExporterSecret(gid, epoch)
	require.NoError(t, err)
	defer a.Wipe()
	b, err := bob.manager.ExporterSecret(gid, epoch)
	require.NoError(t, err)
	defer b.Wipe()

	// Both sides derive the same key, so one can decrypt what the other
	// encrypts.
	payload, err := crypto.Encrypt("same key", a)
	require.NoError(t, err)
	plain, err := crypto.Decrypt(payload, b)
	require.NoError(t, err)
	assert.Equal(t, "same key", plain)

	_, err = alice.manager.ExporterSecret(gid, epoch+10)
	var unavailable *ExporterSecretUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, epoch+10, unavailable.Epoch)
}

func TestCreateGroupFiltersConfig(t *testing.T) {
	alice := newMember(t)
	bob := newMember(t)

	res, err := alice.manager.CreateGroup(alice.id.PublicKeyHex(), []*nostr.Event{bob.keyPackage(t)}, Config{
		Name:   "Filtered",
		Relays: []string{"wss://ok.example.com", "ws://plain.example.com", "wss://", "not a url"},
		Admins: []string{"nothex", bob.id.PublicKeyHex()},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://ok.example.com"}, res.Group.Relays)
	assert.True(t, res.Group.IsAdmin(alice.id.PublicKeyHex()))
	assert.True(t, res.Group.IsAdmin(bob.id.PublicKeyHex()))
	assert.False(t, res.Group.IsAdmin("nothex"))
}

func TestUnknownGroup(t *testing.T) {
	alice := newMember(t)
	_, err := alice.manager.GroupContext(mdk.GroupID{})
	assert.ErrorIs(t, err, ErrGroupNotFound)
	_, err = alice.manager.GetMembers(mdk.GroupID{})
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestIsValidRelayURL(t *testing.T) {
	assert.True(t, IsValidRelayURL("wss://relay.damus.io"))
	assert.False(t, IsValidRelayURL("ws://relay.damus.io"))
	assert.False(t, IsValidRelayURL("https://relay.damus.io"))
	assert.False(t, IsValidRelayURL("wss://"))
}

func TestZeroResultHasNoKind(t *testing.T) {
	var res Result
	assert.NotEqual(t, Location, res.Kind)
	assert.NotEqual(t, Unprocessable, res.Kind)
	assert.Equal(t, "unknown", res.Kind.String())
	assert.Equal(t, "unknown", res.Update.String())
	assert.Equal(t, "unprocessable", Unprocessable.String())
	assert.Equal(t, "commit", mdk.Commit.String())
}
