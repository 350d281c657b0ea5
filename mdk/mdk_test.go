package mdk

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/event"
	"github.com/opd-ai/haven/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func TestKeyPackageRoundtrip(t *testing.T) {
	alice := newParty(t)
	evt := alice.keyPackageEvent(t)

	kp, err := ParseKeyPackage(evt)
	require.NoError(t, err)
	assert.Equal(t, alice.pubkey(), kp.Identity)
	assert.Equal(t, Ciphersuite, kp.Ciphersuite)

	assert.True(t, event.HasTag(evt, "mls_ciphersuite", "0x0001"))
	assert.True(t, event.HasTag(evt, "relay", "wss://relay.example.com"))
	alt, _ := event.TagValue(evt, "alt")
	assert.NoError(t, event.ValidateAlt(alt))
}

func TestParseKeyPackageRejectsForgery(t *testing.T) {
	alice := newParty(t)
	mallory := newParty(t)

	evt := alice.keyPackageEvent(t)
	// Mallory re-signs Alice's key package as her own.
	forged := *evt
	require.NoError(t, event.Sign(&forged, mallory.id))
	_, err := ParseKeyPackage(&forged)
	assert.ErrorIs(t, err, ErrKeyPackage)

	tampered := *evt
	tampered.Content = "AAAA"
	_, err = ParseKeyPackage(&tampered)
	assert.ErrorIs(t, err, ErrKeyPackage)

	_, err = ParseKeyPackage(&nostr.Event{Kind: event.KindApplication})
	assert.ErrorIs(t, err, ErrKeyPackage)
}

func TestTwoPartyRoundtrip(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	gid := createGroupWith(t, alice, bob)

	aliceGroup, err := alice.kit.GetGroup(gid)
	require.NoError(t, err)
	bobGroup, err := bob.kit.GetGroup(gid)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), aliceGroup.Epoch)
	assert.Equal(t, aliceGroup.Epoch, bobGroup.Epoch)
	assert.Equal(t, aliceGroup.NostrGroupID, bobGroup.NostrGroupID)
	assert.Equal(t, []string{"wss://relay.example.com"}, bobGroup.Relays)
	assert.Equal(t, GroupActive, bobGroup.State)

	aliceSecret, err := alice.kit.ExporterSecret(gid, 1)
	require.NoError(t, err)
	bobSecret, err := bob.kit.ExporterSecret(gid, 1)
	require.NoError(t, err)
	assert.Equal(t, aliceSecret, bobSecret)

	rumor := alice.rumor(`{"latitude":37.7749}`)
	evt, err := alice.kit.CreateMessage(gid, rumor, MessageOptions{ExpiresAt: 1_900_000_000})
	require.NoError(t, err)

	assert.Equal(t, event.KindGroupMessage, evt.Kind)
	assert.NotEqual(t, alice.pubkey(), evt.PubKey)
	assert.NoError(t, event.Verify(evt))

	data, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "37.7749")
	assert.NotContains(t, string(data), alice.pubkey())

	res, err := bob.kit.ProcessMessage(evt)
	require.NoError(t, err)
	require.Equal(t, ApplicationMessage, res.Kind, res.Reason)
	assert.Equal(t, alice.pubkey(), res.SenderPubkey)
	assert.Equal(t, rumor.Content, res.Rumor.Content)
	assert.Equal(t, gid, res.MLSGroupID)

	members, err := bob.kit.GetMembers(gid)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice.pubkey(), bob.pubkey()}, members)
}

func TestGroupIsolation(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	carol := newParty(t)

	gidA := createGroupWith(t, alice, bob)
	gidC := createGroupWith(t, carol)

	evt, err := alice.kit.CreateMessage(gidA, alice.rumor("hello"), MessageOptions{})
	require.NoError(t, err)

	res, err := carol.kit.ProcessGroupMessage(gidC, evt)
	require.NoError(t, err)
	assert.Equal(t, Unprocessable, res.Kind)
	assert.Equal(t, gidC, res.MLSGroupID)

	// Even when the routing tag is rewritten the ciphertext does not open.
	carolGroup, err := carol.kit.GetGroup(gidC)
	require.NoError(t, err)
	spoofed := *evt
	spoofed.Tags = nostr.Tags{event.GroupTag(carolGroup.NostrGroupIDHex())}
	res, err = carol.kit.ProcessGroupMessage(gidC, &spoofed)
	require.NoError(t, err)
	assert.Equal(t, Unprocessable, res.Kind)

	_, err = carol.kit.ProcessMessage(evt)
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestOversizedGroupMessageIsUnprocessable(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	gid := createGroupWith(t, alice, bob)

	evt, err := alice.kit.CreateMessage(gid, alice.rumor("hello"), MessageOptions{})
	require.NoError(t, err)
	padded := *evt
	padded.Content = strings.Repeat("A", limits.MaxEventContent+1)

	res, err := bob.kit.ProcessMessage(&padded)
	require.NoError(t, err)
	assert.Equal(t, Unprocessable, res.Kind)
}

func TestRumorAuthorMustBeSender(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	gid := createGroupWith(t, alice, bob)

	_, err := alice.kit.CreateMessage(gid, bob.rumor("spoof"), MessageOptions{})
	assert.ErrorIs(t, err, ErrMessage)

	signed := alice.rumor("signed")
	require.NoError(t, event.Sign(signed, alice.id))
	_, err = alice.kit.CreateMessage(gid, signed, MessageOptions{})
	assert.ErrorIs(t, err, ErrMessage)
}

func TestAddAndRemoveMembers(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	carol := newParty(t)
	gid := createGroupWith(t, alice, bob)

	upd, err := alice.kit.AddMembers(gid, []*nostr.Event{carol.keyPackageEvent(t)})
	require.NoError(t, err)
	require.Len(t, upd.WelcomeRumors, 1)

	_, err = alice.kit.AddMembers(gid, nil)
	assert.ErrorIs(t, err, ErrPendingCommit)

	require.NoError(t, alice.kit.MergePendingCommit(gid))

	res, err := bob.kit.ProcessMessage(upd.EvolutionEvent)
	require.NoError(t, err)
	require.Equal(t, Commit, res.Kind, res.Reason)

	preview, err := carol.kit.ProcessWelcome("w", upd.WelcomeRumors[0])
	require.NoError(t, err)
	assert.Equal(t, 3, preview.MemberCount)
	assert.Equal(t, alice.pubkey(), preview.WelcomerPubkey)
	require.NoError(t, carol.kit.AcceptWelcome(gid))

	for _, p := range []*party{alice, bob, carol} {
		epoch, err := p.kit.Epoch(gid)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), epoch)
	}

	msg, err := carol.kit.CreateMessage(gid, carol.rumor("hi from carol"), MessageOptions{})
	require.NoError(t, err)
	for _, p := range []*party{alice, bob} {
		res, err := p.kit.ProcessMessage(msg)
		require.NoError(t, err)
		assert.Equal(t, ApplicationMessage, res.Kind, res.Reason)
		assert.Equal(t, carol.pubkey(), res.SenderPubkey)
	}

	// Non-admins cannot change membership.
	_, err = bob.kit.RemoveMembers(gid, []string{carol.pubkey()})
	assert.ErrorIs(t, err, ErrNotAdmin)

	upd, err = alice.kit.RemoveMembers(gid, []string{carol.pubkey()})
	require.NoError(t, err)
	require.NoError(t, alice.kit.MergePendingCommit(gid))

	res, err = bob.kit.ProcessMessage(upd.EvolutionEvent)
	require.NoError(t, err)
	assert.Equal(t, Commit, res.Kind, res.Reason)
	res, err = carol.kit.ProcessMessage(upd.EvolutionEvent)
	require.NoError(t, err)
	assert.Equal(t, Commit, res.Kind, res.Reason)

	carolGroup, err := carol.kit.GetGroup(gid)
	require.NoError(t, err)
	assert.Equal(t, GroupInactive, carolGroup.State)

	// Carol can no longer read the group.
	after, err := alice.kit.CreateMessage(gid, alice.rumor("after removal"), MessageOptions{})
	require.NoError(t, err)
	res, err = carol.kit.ProcessMessage(after)
	require.NoError(t, err)
	assert.Equal(t, Unprocessable, res.Kind)

	res, err = bob.kit.ProcessMessage(after)
	require.NoError(t, err)
	assert.Equal(t, ApplicationMessage, res.Kind, res.Reason)

	members, err := bob.kit.GetMembers(gid)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice.pubkey(), bob.pubkey()}, members)
}

func TestRemoveUnknownMember(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	gid := createGroupWith(t, alice, bob)

	_, err := alice.kit.RemoveMembers(gid, []string{strings.Repeat("1", 64)})
	assert.ErrorIs(t, err, ErrMemberNotFound)
	_, err = alice.kit.RemoveMembers(gid, []string{alice.pubkey()})
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestLeaveGroupProposal(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	gid := createGroupWith(t, alice, bob)

	upd, err := bob.kit.LeaveGroup(gid)
	require.NoError(t, err)

	bobGroup, err := bob.kit.GetGroup(gid)
	require.NoError(t, err)
	assert.Equal(t, GroupInactive, bobGroup.State)

	res, err := alice.kit.ProcessMessage(upd.EvolutionEvent)
	require.NoError(t, err)
	assert.Equal(t, Proposal, res.Kind, res.Reason)
	assert.Equal(t, bob.pubkey(), res.SenderPubkey)

	// The next commit folds in the proposal.
	_, err = alice.kit.AddMembers(gid, nil)
	require.NoError(t, err)
	require.NoError(t, alice.kit.MergePendingCommit(gid))

	members, err := alice.kit.GetMembers(gid)
	require.NoError(t, err)
	assert.Equal(t, []string{alice.pubkey()}, members)
}

func TestStaleCommitIsUnprocessable(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	carol := newParty(t)
	gid := createGroupWith(t, alice, bob)

	upd, err := alice.kit.AddMembers(gid, []*nostr.Event{carol.keyPackageEvent(t)})
	require.NoError(t, err)
	require.NoError(t, alice.kit.MergePendingCommit(gid))

	res, err := bob.kit.ProcessMessage(upd.EvolutionEvent)
	require.NoError(t, err)
	require.Equal(t, Commit, res.Kind)

	res, err = bob.kit.ProcessMessage(upd.EvolutionEvent)
	require.NoError(t, err)
	assert.Equal(t, Unprocessable, res.Kind)

	// The committer sees its own commit echoed back as a no-op.
	res, err = alice.kit.ProcessMessage(upd.EvolutionEvent)
	require.NoError(t, err)
	assert.Equal(t, Commit, res.Kind)
}

func TestLateMessageFromPreviousEpoch(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	carol := newParty(t)
	gid := createGroupWith(t, alice, bob)

	early, err := bob.kit.CreateMessage(gid, bob.rumor("early"), MessageOptions{})
	require.NoError(t, err)

	upd, err := alice.kit.AddMembers(gid, []*nostr.Event{carol.keyPackageEvent(t)})
	require.NoError(t, err)
	require.NoError(t, alice.kit.MergePendingCommit(gid))
	_, err = bob.kit.ProcessMessage(upd.EvolutionEvent)
	require.NoError(t, err)

	res, err := alice.kit.ProcessMessage(early)
	require.NoError(t, err)
	assert.Equal(t, ApplicationMessage, res.Kind, res.Reason)
}

func TestDeclineAndClearPending(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)

	res, err := alice.kit.CreateGroup(alice.pubkey(), []*nostr.Event{bob.keyPackageEvent(t)}, GroupConfig{Name: "x"})
	require.NoError(t, err)
	gid := res.Group.MLSGroupID

	require.NoError(t, alice.kit.ClearPendingCommit(gid))
	assert.ErrorIs(t, alice.kit.MergePendingCommit(gid), ErrNoPendingCommit)

	preview, err := bob.kit.ProcessWelcome("wrap-id", res.WelcomeRumors[0])
	require.NoError(t, err)
	assert.Equal(t, "wrap-id", preview.WrapperEventID)
	assert.Len(t, bob.kit.GetPendingWelcomes(), 1)

	require.NoError(t, bob.kit.DeclineWelcome(gid))
	assert.Empty(t, bob.kit.GetPendingWelcomes())
	_, err = bob.kit.GetGroup(gid)
	assert.ErrorIs(t, err, ErrGroupNotFound)

	// A second copy of the same welcome can be processed again.
	_, err = bob.kit.ProcessWelcome("wrap-id", res.WelcomeRumors[0])
	assert.NoError(t, err)
	require.NoError(t, bob.kit.AcceptWelcome(gid))
	assert.ErrorIs(t, bob.kit.AcceptWelcome(gid), ErrInvalidWelcome)
}

func TestWelcomeForUnknownKeyPackage(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	eve := newParty(t)

	res, err := alice.kit.CreateGroup(alice.pubkey(), []*nostr.Event{bob.keyPackageEvent(t)}, GroupConfig{})
	require.NoError(t, err)

	_, err = eve.kit.ProcessWelcome("w", res.WelcomeRumors[0])
	assert.ErrorIs(t, err, ErrKeyPackageNotFound)

	_, err = bob.kit.ProcessWelcome("w", alice.rumor("not a welcome"))
	assert.ErrorIs(t, err, ErrInvalidWelcome)
}

func TestWelcomeRumorShape(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	kp := bob.keyPackageEvent(t)

	res, err := alice.kit.CreateGroup(alice.pubkey(), []*nostr.Event{kp}, GroupConfig{Relays: []string{"wss://a.example"}})
	require.NoError(t, err)

	w := res.WelcomeRumors[0]
	assert.Equal(t, event.KindWelcome, w.Kind)
	assert.True(t, event.IsRumor(w))
	assert.Equal(t, alice.pubkey(), w.PubKey)
	assert.True(t, event.HasTag(w, "e", kp.ID))
}

func TestGroupIDRedacted(t *testing.T) {
	id, err := randomGroupID()
	require.NoError(t, err)
	assert.Equal(t, "GroupID([redacted])", id.String())
	assert.Equal(t, id.String(), id.GoString())

	_, err = GroupIDFromBytes([]byte{1, 2})
	assert.Error(t, err)
}

func TestCreateGroupRejectsInvalidCreator(t *testing.T) {
	alice := newParty(t)
	_, err := alice.kit.CreateGroup("nope", nil, GroupConfig{})
	assert.Error(t, err)
}

// openCommit decrypts a commit event with the receiver's retained secrets.
func openCommit(t *testing.T, p *party, gid GroupID, evt *nostr.Event) *commitBody {
	t.Helper()
	st := p.kit.groups[gid]
	msg, _, ok := p.kit.decryptOuter(st, evt.Content)
	require.True(t, ok)
	_, payload, err := st.openMessage(msg)
	require.NoError(t, err)
	var body commitBody
	require.NoError(t, unmarshal(payload, &body))
	return &body
}

func TestCommitRotatesCommitterInitKey(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	carol := newParty(t)
	gid := createGroupWith(t, alice, bob, carol)

	oldKey := cloneBytes(alice.kit.groups[gid].OwnInitKey)
	upd, err := alice.kit.RemoveMembers(gid, []string{carol.pubkey()})
	require.NoError(t, err)
	require.NoError(t, alice.kit.MergePendingCommit(gid))
	newKey := cloneBytes(alice.kit.groups[gid].OwnInitKey)
	assert.NotEqual(t, oldKey, newKey)

	res, err := bob.kit.ProcessMessage(upd.EvolutionEvent)
	require.NoError(t, err)
	require.Equal(t, Commit, res.Kind, res.Reason)

	newPub, err := curve25519.X25519(newKey, curve25519.Basepoint)
	require.NoError(t, err)
	aliceLeaf, ok := bob.kit.groups[gid].memberByIdentity(alice.pubkey())
	require.True(t, ok)
	assert.Equal(t, newPub, aliceLeaf.InitKey)

	// Non-admins may rotate their own key. The commit secret for alice is
	// sealed to alice's rotated key, not the one from the creation commit.
	upd, err = bob.kit.SelfUpdate(gid)
	require.NoError(t, err)
	require.NoError(t, bob.kit.MergePendingCommit(gid))

	body := openCommit(t, bob, gid, upd.EvolutionEvent)
	assert.Len(t, body.InitKey, curve25519.PointSize)
	require.Len(t, body.Secrets, 1)
	ctx := commitContext(gid, body.NewEpoch)
	_, err = open(&body.Secrets[0].Sealed, oldKey, "commit", ctx)
	assert.Error(t, err)
	cs, err := open(&body.Secrets[0].Sealed, newKey, "commit", ctx)
	require.NoError(t, err)
	assert.Len(t, cs, secretSize)

	res, err = alice.kit.ProcessMessage(upd.EvolutionEvent)
	require.NoError(t, err)
	require.Equal(t, Commit, res.Kind, res.Reason)

	for _, p := range []*party{alice, bob} {
		epoch, err := p.kit.Epoch(gid)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), epoch)
	}
	msg, err := alice.kit.CreateMessage(gid, alice.rumor("after rotation"), MessageOptions{})
	require.NoError(t, err)
	res, err = bob.kit.ProcessMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, ApplicationMessage, res.Kind, res.Reason)
}

func TestClearPendingCommitKeepsInitKey(t *testing.T) {
	alice := newParty(t)
	bob := newParty(t)
	gid := createGroupWith(t, alice, bob)

	before := cloneBytes(bob.kit.groups[gid].OwnInitKey)
	_, err := bob.kit.SelfUpdate(gid)
	require.NoError(t, err)
	require.NoError(t, bob.kit.ClearPendingCommit(gid))
	assert.Equal(t, before, bob.kit.groups[gid].OwnInitKey)

	_, err = bob.kit.LeaveGroup(gid)
	require.NoError(t, err)
	_, err = bob.kit.SelfUpdate(gid)
	assert.ErrorIs(t, err, ErrInactiveGroup)
}
