package circle

import (
	"context"
	"sort"

	"github.com/opd-ai/haven/mdk"
	"github.com/opd-ai/haven/storage"
)

// GetMembers returns the members of a circle with contact names attached
// and admins flagged.
func (m *Manager) GetMembers(ctx context.Context, id mdk.GroupID) ([]Member, error) {
	pubkeys, err := m.mls.GetMembers(id)
	if err != nil {
		return nil, mlsError(err)
	}
	group, err := m.mls.GetGroup(id)
	if err != nil {
		return nil, mlsError(err)
	}
	contacts, err := m.store.GetContacts(ctx, pubkeys)
	if err != nil {
		return nil, storageError(err)
	}

	out := make([]Member, 0, len(pubkeys))
	for _, pk := range pubkeys {
		mb := Member{Pubkey: pk, IsAdmin: group.IsAdmin(pk)}
		if c, ok := contacts[pk]; ok {
			mb.DisplayName = c.DisplayName
			mb.AvatarPath = c.AvatarPath
		}
		out = append(out, mb)
	}
	return out, nil
}

// GetCircle returns a circle with its membership and members. Members are
// empty for circles whose group state is gone, such as declined ones.
func (m *Manager) GetCircle(ctx context.Context, id mdk.GroupID) (*CircleWithMembers, error) {
	c, err := m.store.GetCircle(ctx, id.Bytes())
	if err != nil {
		return nil, storageError(err)
	}
	ms, err := m.store.GetMembership(ctx, id.Bytes())
	if err != nil {
		return nil, storageError(err)
	}
	out := &CircleWithMembers{Circle: c, Membership: ms}
	if ms.Status != storage.StatusDeclined {
		members, err := m.GetMembers(ctx, id)
		if err != nil {
			return nil, err
		}
		out.Members = members
	}
	return out, nil
}

// ListCircles returns pending and accepted circles, most recently updated
// first. Members are not loaded.
func (m *Manager) ListCircles(ctx context.Context) ([]*CircleWithMembers, error) {
	rows, err := m.store.ListVisibleCircles(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	out := make([]*CircleWithMembers, 0, len(rows))
	for _, r := range rows {
		out = append(out, &CircleWithMembers{Circle: r.Circle, Membership: r.Membership})
	}
	return out, nil
}

// PendingInvitations lists invitations awaiting an answer, newest first.
func (m *Manager) PendingInvitations(ctx context.Context) ([]*Invitation, error) {
	pending, err := m.store.ListMemberships(ctx, storage.StatusPending)
	if err != nil {
		return nil, storageError(err)
	}
	previews := make(map[mdk.GroupID]*mdk.WelcomePreview)
	for _, p := range m.mls.PendingWelcomes() {
		previews[p.MLSGroupID] = p
	}

	out := make([]*Invitation, 0, len(pending))
	for _, ms := range pending {
		gid, err := mdk.GroupIDFromBytes(ms.MLSGroupID)
		if err != nil {
			return nil, storageError(err)
		}
		c, err := m.store.GetCircle(ctx, ms.MLSGroupID)
		if err != nil {
			return nil, storageError(err)
		}
		inv := &Invitation{
			MLSGroupID:    gid,
			CircleName:    c.DisplayName,
			InviterPubkey: ms.InviterPubkey,
			InvitedAt:     ms.InvitedAt,
		}
		if p, ok := previews[gid]; ok {
			inv.MemberCount = p.MemberCount
			inv.WrapperEventID = p.WrapperEventID
		}
		out = append(out, inv)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].InvitedAt.After(out[j].InvitedAt) })
	return out, nil
}
