package circle

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/crypto"
	"github.com/opd-ai/haven/event"
	"github.com/opd-ai/haven/location"
	"github.com/opd-ai/haven/mdk"
	"github.com/opd-ai/haven/mls"
	"github.com/opd-ai/haven/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const circleRelay = "wss://circle.example.com"

type client struct {
	id      *crypto.Identity
	manager *Manager
}

func newClient(t *testing.T) *client {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	groups, err := mls.NewManagerWithStorage(mdk.NewMemoryStorage(), nil)
	require.NoError(t, err)
	st, err := storage.Open(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	m := NewManager(groups, st, Options{DefaultRelays: []string{"wss://default.example.com", "ws://insecure.example.com"}})
	t.Cleanup(func() { m.Close() })
	return &client{id: id, manager: m}
}

func (c *client) pubkey() string {
	return c.id.PublicKeyHex()
}

func (c *client) keyPackage(t *testing.T) *nostr.Event {
	t.Helper()
	bundle, err := c.manager.CreateKeyPackage(c.pubkey(), []string{"wss://inbox.example.com"})
	require.NoError(t, err)
	evt := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      event.KindKeyPackage,
		Tags:      bundle.Tags,
		Content:   bundle.Content,
	}
	require.NoError(t, event.Sign(evt, c.id))
	return evt
}

// invite creates a circle owned by owner and records the welcome at each
// invitee as a pending invitation.
func invite(t *testing.T, owner *client, name string, invitees ...*client) mdk.GroupID {
	t.Helper()
	ctx := context.Background()
	var kps []*nostr.Event
	for _, c := range invitees {
		kps = append(kps, c.keyPackage(t))
	}
	res, err := owner.manager.CreateCircle(ctx, owner.pubkey(), kps, Config{
		Name:   name,
		Relays: []string{circleRelay},
	})
	require.NoError(t, err)
	require.Len(t, res.WelcomeRumors, len(invitees))

	gid, err := mdk.GroupIDFromBytes(res.Circle.MLSGroupID)
	require.NoError(t, err)
	for i, c := range invitees {
		require.Equal(t, c.pubkey(), res.WelcomeRumors[i].RecipientPubkey)
		inv, err := c.manager.ProcessInvitation(ctx, "wrap-"+name, res.WelcomeRumors[i].Rumor, "", "")
		require.NoError(t, err)
		require.Equal(t, gid, inv.MLSGroupID)
	}
	return gid
}

func TestCreateCircle(t *testing.T) {
	alice := newClient(t)
	bob := newClient(t)
	ctx := context.Background()

	res, err := alice.manager.CreateCircle(ctx, alice.pubkey(), []*nostr.Event{bob.keyPackage(t)}, Config{
		Name:   "Family",
		Relays: []string{circleRelay, "ws://plain.example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, storage.LocationSharing, res.Circle.CircleType)
	assert.Equal(t, storage.RelayList{circleRelay}, res.Circle.Relays)
	require.Len(t, res.WelcomeRumors, 1)
	assert.Equal(t, event.KindWelcome, res.WelcomeRumors[0].Rumor.Kind)
	assert.True(t, event.IsRumor(res.WelcomeRumors[0].Rumor))

	gid, err := mdk.GroupIDFromBytes(res.Circle.MLSGroupID)
	require.NoError(t, err)
	got, err := alice.manager.GetCircle(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusAccepted, got.Membership.Status)
	assert.Empty(t, got.Membership.InviterPubkey)
	assert.Equal(t, got.Membership.InvitedAt.Unix(), got.Membership.RespondedAt.Unix())
	require.Len(t, got.Members, 2)

	for _, mb := range got.Members {
		assert.Equal(t, mb.Pubkey == alice.pubkey(), mb.IsAdmin)
	}
}

func TestCreateCircleRejectsBadInput(t *testing.T) {
	alice := newClient(t)
	ctx := context.Background()

	_, err := alice.manager.CreateCircle(ctx, "nothex", nil, Config{Name: "X"})
	assert.ErrorIs(t, err, crypto.ErrInvalidPubkey)

	_, err = alice.manager.CreateCircle(ctx, alice.pubkey(), nil, Config{Name: "X", Type: "chat"})
	assert.ErrorIs(t, err, storage.ErrInvalidData)

	circles, err := alice.manager.ListCircles(ctx)
	require.NoError(t, err)
	assert.Empty(t, circles)
}

func TestProcessInvitation(t *testing.T) {
	alice := newClient(t)
	bob := newClient(t)
	ctx := context.Background()
	gid := invite(t, alice, "Family", bob)

	circles, err := bob.manager.ListCircles(ctx)
	require.NoError(t, err)
	require.Len(t, circles, 1)
	c := circles[0]
	assert.Equal(t, "Family", c.Circle.DisplayName)
	assert.Equal(t, storage.StatusPending, c.Membership.Status)
	assert.Equal(t, alice.pubkey(), c.Membership.InviterPubkey)
	// Relays come from the welcome, not from the defaults.
	assert.Equal(t, storage.RelayList{circleRelay}, c.Circle.Relays)
	assert.True(t, c.Membership.RespondedAt.IsZero())

	invitations, err := bob.manager.PendingInvitations(ctx)
	require.NoError(t, err)
	require.Len(t, invitations, 1)
	assert.Equal(t, gid, invitations[0].MLSGroupID)
	assert.Equal(t, 2, invitations[0].MemberCount)
	assert.Equal(t, "wrap-Family", invitations[0].WrapperEventID)
}

func TestInvitationStateMachine(t *testing.T) {
	alice := newClient(t)
	bob := newClient(t)
	ctx := context.Background()

	first := invite(t, alice, "Family", bob)
	second := invite(t, alice, "Friends", bob)

	accepted, err := bob.manager.AcceptInvitation(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusAccepted, accepted.Membership.Status)
	assert.False(t, accepted.Membership.RespondedAt.IsZero())
	assert.Len(t, accepted.Members, 2)

	_, err = bob.manager.AcceptInvitation(ctx, first)
	assert.ErrorIs(t, err, ErrMembershipConflict)
	assert.ErrorIs(t, bob.manager.DeclineInvitation(ctx, first), ErrMembershipConflict)

	require.NoError(t, bob.manager.DeclineInvitation(ctx, second))
	assert.ErrorIs(t, bob.manager.DeclineInvitation(ctx, second), ErrMembershipConflict)
	_, err = bob.manager.AcceptInvitation(ctx, second)
	assert.ErrorIs(t, err, ErrMembershipConflict)

	declined, err := bob.manager.GetCircle(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDeclined, declined.Membership.Status)
	assert.False(t, declined.Membership.RespondedAt.IsZero())
	assert.Empty(t, declined.Members)

	visible, err := bob.manager.ListCircles(ctx)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "Family", visible[0].Circle.DisplayName)

	_, err = bob.manager.AcceptInvitation(ctx, mdk.GroupID{1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeclinedCircleIsReopenedByNewInvitation(t *testing.T) {
	alice := newClient(t)
	bob := newClient(t)
	ctx := context.Background()

	gid := invite(t, alice, "Family", bob)
	require.NoError(t, bob.manager.DeclineInvitation(ctx, gid))

	removal, err := alice.manager.RemoveMembers(ctx, gid, []string{bob.pubkey()})
	require.NoError(t, err)
	require.NotNil(t, removal.EvolutionEvent)
	require.NoError(t, alice.manager.FinalizePendingCommit(ctx, gid))

	update, err := alice.manager.AddMembers(ctx, gid, []*nostr.Event{bob.keyPackage(t)})
	require.NoError(t, err)
	require.Len(t, update.WelcomeRumors, 1)
	require.NoError(t, alice.manager.FinalizePendingCommit(ctx, gid))

	inv, err := bob.manager.ProcessInvitation(ctx, "wrap-again", update.WelcomeRumors[0], "Renamed", alice.pubkey())
	require.NoError(t, err)
	assert.Equal(t, gid, inv.MLSGroupID)
	assert.Equal(t, "Renamed", inv.CircleName)

	c, err := bob.manager.GetCircle(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, c.Membership.Status)
	assert.True(t, c.Membership.RespondedAt.IsZero())

	_, err = bob.manager.AcceptInvitation(ctx, gid)
	require.NoError(t, err)
}

func TestLeaveCircle(t *testing.T) {
	alice := newClient(t)
	bob := newClient(t)
	ctx := context.Background()

	gid := invite(t, alice, "Family", bob)
	_, err := bob.manager.AcceptInvitation(ctx, gid)
	require.NoError(t, err)
	require.NoError(t, bob.manager.SetMuted(ctx, gid, true))

	evt, err := bob.manager.LeaveCircle(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, event.KindGroupMessage, evt.Kind)

	_, err = bob.manager.GetCircle(ctx, gid)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = bob.manager.GetUIState(ctx, gid)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = bob.manager.MLS().GetGroup(gid)
	assert.ErrorIs(t, err, mls.ErrGroupNotFound)

	res, err := alice.manager.ProcessGroupEvent(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, mls.GroupUpdate, res.Kind)
	assert.Equal(t, mdk.Proposal, res.Update)
}

func TestLocationThroughCircles(t *testing.T) {
	alice := newClient(t)
	bob := newClient(t)
	ctx := context.Background()

	gid := invite(t, alice, "Family", bob)

	_, err := bob.manager.GroupContext(ctx, gid)
	assert.ErrorIs(t, err, ErrMembershipConflict)
	_, err = bob.manager.AcceptInvitation(ctx, gid)
	require.NoError(t, err)

	gc, err := alice.manager.GroupContext(ctx, gid)
	require.NoError(t, err)
	loc := location.Obfuscate(48.858370, 2.294481, location.Standard)
	rumor, err := event.LocationRumor(alice.pubkey(), loc, time.Now())
	require.NoError(t, err)
	evt, err := gc.EncryptEvent(rumor, mls.MessageOptions{})
	require.NoError(t, err)

	res, err := bob.manager.ProcessGroupEvent(ctx, evt)
	require.NoError(t, err)
	require.Equal(t, mls.Location, res.Kind)
	assert.Equal(t, 48.8584, res.Location.Latitude)
	assert.Equal(t, alice.pubkey(), res.SenderPubkey)
}

func TestMembersCarryContactNames(t *testing.T) {
	alice := newClient(t)
	bob := newClient(t)
	ctx := context.Background()

	gid := invite(t, alice, "Family", bob)
	c, err := alice.manager.SetContact(ctx, bob.pubkey(), "Bob", "/avatars/bob.png", "")
	require.NoError(t, err)
	assert.Equal(t, "Bob", c.DisplayName)

	members, err := alice.manager.GetMembers(ctx, gid)
	require.NoError(t, err)
	require.Len(t, members, 2)
	for _, mb := range members {
		if mb.Pubkey == bob.pubkey() {
			assert.Equal(t, "Bob", mb.DisplayName)
			assert.Equal(t, "/avatars/bob.png", mb.AvatarPath)
			assert.False(t, mb.IsAdmin)
		} else {
			assert.Empty(t, mb.DisplayName)
			assert.True(t, mb.IsAdmin)
		}
	}
}

func TestContacts(t *testing.T) {
	alice := newClient(t)
	ctx := context.Background()
	bob, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	bobKey := bob.PublicKeyHex()

	_, err = alice.manager.GetContact(ctx, bobKey)
	assert.ErrorIs(t, err, ErrContactNotFound)
	assert.ErrorIs(t, alice.manager.DeleteContact(ctx, bobKey), ErrContactNotFound)

	_, err = alice.manager.SetContact(ctx, "nothex", "Nobody", "", "")
	assert.ErrorIs(t, err, crypto.ErrInvalidPubkey)

	first, err := alice.manager.SetContact(ctx, bobKey, "Bob", "", "")
	require.NoError(t, err)
	second, err := alice.manager.SetContact(ctx, bobKey, "Robert", "", "neighbor")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())
	assert.Equal(t, "neighbor", second.Notes)

	list, err := alice.manager.ListContacts(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	require.NoError(t, alice.manager.DeleteContact(ctx, bobKey))
}

func TestUIState(t *testing.T) {
	alice := newClient(t)
	bob := newClient(t)
	ctx := context.Background()
	gid := invite(t, alice, "Family", bob)

	pin := int64(2)
	require.NoError(t, alice.manager.SetPinOrder(ctx, gid, &pin))
	require.NoError(t, alice.manager.SetMuted(ctx, gid, true))
	require.NoError(t, alice.manager.SetLastRead(ctx, gid, "msg-1"))

	st, err := alice.manager.GetUIState(ctx, gid)
	require.NoError(t, err)
	require.NotNil(t, st.PinOrder)
	assert.Equal(t, int64(2), *st.PinOrder)
	assert.True(t, st.IsMuted)
	assert.Equal(t, "msg-1", st.LastReadMessageID)

	require.NoError(t, alice.manager.SetPinOrder(ctx, gid, nil))
	st, err = alice.manager.GetUIState(ctx, gid)
	require.NoError(t, err)
	assert.Nil(t, st.PinOrder)

	assert.ErrorIs(t, alice.manager.SetMuted(ctx, mdk.GroupID{9}, true), ErrNotFound)
}
