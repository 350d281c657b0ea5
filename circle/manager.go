package circle

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/crypto"
	"github.com/opd-ai/haven/limits"
	"github.com/opd-ai/haven/mdk"
	"github.com/opd-ai/haven/mls"
	"github.com/opd-ai/haven/storage"
	"github.com/sirupsen/logrus"
)

// Manager combines the group layer and the circle database.
type Manager struct {
	mls           *mls.Manager
	store         *storage.Store
	timeProvider  crypto.TimeProvider
	defaultRelays []string
}

// Options configures a Manager.
type Options struct {
	// DefaultRelays are used for invited circles whose welcome carries no
	// usable relay.
	DefaultRelays []string
	TimeProvider  crypto.TimeProvider
}

// NewManager creates a manager over an existing group manager and store.
// The manager takes ownership of both; Close closes them.
func NewManager(m *mls.Manager, st *storage.Store, opts Options) *Manager {
	return &Manager{
		mls:           m,
		store:         st,
		timeProvider:  crypto.OrDefault(opts.TimeProvider),
		defaultRelays: validRelays(opts.DefaultRelays),
	}
}

// Close closes the group manager and the store.
func (m *Manager) Close() error {
	mlsErr := m.mls.Close()
	storeErr := m.store.Close()
	if mlsErr != nil {
		return mlsError(mlsErr)
	}
	return storageError(storeErr)
}

// MLS exposes the group manager for the message plane.
func (m *Manager) MLS() *mls.Manager {
	return m.mls
}

func validRelays(relays []string) []string {
	var out []string
	for _, r := range relays {
		if mls.IsValidRelayURL(r) {
			out = append(out, r)
		}
	}
	return out
}

// CreateCircle creates a group with the owners of keyPackages, finalizes
// it and records an accepted membership.
func (m *Manager) CreateCircle(ctx context.Context, creatorHex string, keyPackages []*nostr.Event, cfg Config) (*CreateResult, error) {
	if !crypto.IsValidPublicKey(creatorHex) {
		return nil, crypto.ErrInvalidPubkey
	}
	if err := limits.ValidateDisplayName(cfg.Name); err != nil {
		return nil, err
	}
	if err := limits.ValidateCount("members", len(keyPackages)+1, limits.MaxCircleMembers); err != nil {
		return nil, err
	}
	if err := limits.ValidateCount("relays", len(cfg.Relays), limits.MaxRelaysPerCircle); err != nil {
		return nil, err
	}
	if cfg.Type == "" {
		cfg.Type = storage.LocationSharing
	}
	if !cfg.Type.Valid() {
		return nil, fmt.Errorf("%w: circle type %q", storage.ErrInvalidData, cfg.Type)
	}

	res, err := m.mls.CreateGroup(creatorHex, keyPackages, mls.Config{
		Name:        cfg.Name,
		Description: cfg.Description,
		Relays:      cfg.Relays,
		Admins:      cfg.Admins,
	})
	if err != nil {
		return nil, mlsError(err)
	}
	gid := res.Group.MLSGroupID
	if err := m.mls.MergePendingCommit(gid); err != nil {
		m.rollbackGroup(gid)
		return nil, mlsError(err)
	}

	now := m.timeProvider.Now().UTC()
	circle := &storage.Circle{
		MLSGroupID:   gid.Bytes(),
		NostrGroupID: append([]byte(nil), res.Group.NostrGroupID[:]...),
		DisplayName:  cfg.Name,
		CircleType:   cfg.Type,
		Relays:       storage.RelayList(res.Group.Relays),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.SaveCircle(ctx, circle); err != nil {
		m.rollbackGroup(gid)
		return nil, storageError(err)
	}
	if err := m.store.SaveMembership(ctx, &storage.Membership{
		MLSGroupID:  gid.Bytes(),
		Status:      storage.StatusAccepted,
		InvitedAt:   now,
		RespondedAt: now,
	}); err != nil {
		m.store.DeleteCircle(ctx, gid.Bytes())
		m.rollbackGroup(gid)
		return nil, storageError(err)
	}

	welcomes := make([]WelcomeRumor, 0, len(res.WelcomeRumors))
	for i, rumor := range res.WelcomeRumors {
		welcomes = append(welcomes, WelcomeRumor{RecipientPubkey: keyPackages[i].PubKey, Rumor: rumor})
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateCircle",
		"package":  "circle",
		"group":    gid.String(),
		"invitees": len(welcomes),
	}).Info("Created circle")

	return &CreateResult{Circle: circle, WelcomeRumors: welcomes}, nil
}

func (m *Manager) rollbackGroup(id mdk.GroupID) {
	if err := m.mls.DeleteGroup(id); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "rollbackGroup",
			"package":  "circle",
			"group":    id.String(),
			"error":    err.Error(),
		}).Warn("Failed to roll back group state")
	}
}

// ProcessInvitation records a welcome as a pending membership. An empty
// circleName falls back to the group name in the welcome. Invitations to a
// circle the user declined earlier reopen it as pending.
func (m *Manager) ProcessInvitation(ctx context.Context, wrapperEventID string, rumor *nostr.Event, circleName, inviterPubkey string) (*Invitation, error) {
	if inviterPubkey != "" && !crypto.IsValidPublicKey(inviterPubkey) {
		return nil, crypto.ErrInvalidPubkey
	}

	preview, err := m.mls.ProcessWelcome(wrapperEventID, rumor)
	if err != nil {
		return nil, mlsError(err)
	}
	gid := preview.MLSGroupID

	existing, err := m.store.GetMembership(ctx, gid.Bytes())
	switch {
	case err == nil && existing.Status != storage.StatusDeclined:
		return nil, fmt.Errorf("%w: membership is %s", ErrAlreadyExists, existing.Status)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, storageError(err)
	}

	if circleName == "" {
		circleName = preview.GroupName
	}
	if inviterPubkey == "" {
		inviterPubkey = preview.WelcomerPubkey
	}
	relays := validRelays(preview.Relays)
	if len(relays) == 0 {
		relays = m.defaultRelays
	}

	now := m.timeProvider.Now().UTC()
	if err := m.store.SaveCircle(ctx, &storage.Circle{
		MLSGroupID:   gid.Bytes(),
		NostrGroupID: append([]byte(nil), preview.NostrGroupID[:]...),
		DisplayName:  circleName,
		CircleType:   storage.LocationSharing,
		Relays:       storage.RelayList(relays),
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return nil, storageError(err)
	}
	if err := m.store.SaveMembership(ctx, &storage.Membership{
		MLSGroupID:    gid.Bytes(),
		Status:        storage.StatusPending,
		InviterPubkey: inviterPubkey,
		InvitedAt:     now,
	}); err != nil {
		return nil, storageError(err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "ProcessInvitation",
		"package":  "circle",
		"group":    gid.String(),
		"inviter":  crypto.ShortKey(inviterPubkey),
		"reopened": existing != nil,
	}).Info("Recorded invitation")

	return &Invitation{
		MLSGroupID:     gid,
		CircleName:     circleName,
		InviterPubkey:  inviterPubkey,
		MemberCount:    preview.MemberCount,
		InvitedAt:      now,
		WrapperEventID: wrapperEventID,
	}, nil
}

// pendingMembership loads the membership of id and checks it is pending.
func (m *Manager) pendingMembership(ctx context.Context, id mdk.GroupID) error {
	ms, err := m.store.GetMembership(ctx, id.Bytes())
	if err != nil {
		return storageError(err)
	}
	if ms.Status != storage.StatusPending {
		return fmt.Errorf("%w: membership is %s", ErrMembershipConflict, ms.Status)
	}
	return nil
}

// AcceptInvitation joins a pending circle and returns it with members.
func (m *Manager) AcceptInvitation(ctx context.Context, id mdk.GroupID) (*CircleWithMembers, error) {
	if err := m.pendingMembership(ctx, id); err != nil {
		return nil, err
	}
	if err := m.mls.AcceptWelcome(id); err != nil {
		return nil, mlsError(err)
	}
	now := m.timeProvider.Now().UTC()
	if err := m.store.UpdateMembershipStatus(ctx, id.Bytes(), storage.StatusPending, storage.StatusAccepted, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: membership changed concurrently", ErrMembershipConflict)
		}
		return nil, storageError(err)
	}
	if err := m.store.TouchCircle(ctx, id.Bytes()); err != nil {
		return nil, storageError(err)
	}
	return m.GetCircle(ctx, id)
}

// DeclineInvitation rejects a pending circle. The group state is dropped
// and the circle is hidden.
func (m *Manager) DeclineInvitation(ctx context.Context, id mdk.GroupID) error {
	if err := m.pendingMembership(ctx, id); err != nil {
		return err
	}
	now := m.timeProvider.Now().UTC()
	if err := m.store.UpdateMembershipStatus(ctx, id.Bytes(), storage.StatusPending, storage.StatusDeclined, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: membership changed concurrently", ErrMembershipConflict)
		}
		return storageError(err)
	}
	if err := m.mls.DeclineWelcome(id); err != nil && !errors.Is(err, mls.ErrGroupNotFound) {
		return mlsError(err)
	}
	return nil
}

// LeaveCircle returns the leave proposal to publish and removes the group
// state and every local row of the circle.
func (m *Manager) LeaveCircle(ctx context.Context, id mdk.GroupID) (*nostr.Event, error) {
	res, err := m.mls.LeaveGroup(id)
	if err != nil {
		return nil, mlsError(err)
	}
	if err := m.mls.DeleteGroup(id); err != nil {
		return nil, mlsError(err)
	}
	if err := m.store.DeleteCircle(ctx, id.Bytes()); err != nil {
		return nil, storageError(err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "LeaveCircle",
		"package":  "circle",
		"group":    id.String(),
	}).Info("Left circle")
	return res.EvolutionEvent, nil
}

// AddMembers creates a commit adding the owners of keyPackages. Publish the
// evolution event, then call FinalizePendingCommit and send the welcomes.
func (m *Manager) AddMembers(ctx context.Context, id mdk.GroupID, keyPackages []*nostr.Event) (*mdk.UpdateResult, error) {
	members, err := m.mls.GetMembers(id)
	if err != nil {
		return nil, mlsError(err)
	}
	if err := limits.ValidateCount("members", len(members)+len(keyPackages), limits.MaxCircleMembers); err != nil {
		return nil, err
	}
	if err := m.store.TouchCircle(ctx, id.Bytes()); err != nil {
		return nil, storageError(err)
	}
	res, err := m.mls.AddMembers(id, keyPackages)
	return res, mlsError(err)
}

// RemoveMembers creates a commit removing pubkeys.
func (m *Manager) RemoveMembers(ctx context.Context, id mdk.GroupID, pubkeys []string) (*mdk.UpdateResult, error) {
	if err := m.store.TouchCircle(ctx, id.Bytes()); err != nil {
		return nil, storageError(err)
	}
	res, err := m.mls.RemoveMembers(id, pubkeys)
	return res, mlsError(err)
}

// RotateKeys creates a commit that refreshes this member's init key.
func (m *Manager) RotateKeys(ctx context.Context, id mdk.GroupID) (*mdk.UpdateResult, error) {
	if err := m.store.TouchCircle(ctx, id.Bytes()); err != nil {
		return nil, storageError(err)
	}
	res, err := m.mls.SelfUpdate(id)
	return res, mlsError(err)
}

// FinalizePendingCommit merges the last commit once a relay accepted it.
func (m *Manager) FinalizePendingCommit(ctx context.Context, id mdk.GroupID) error {
	if err := m.mls.MergePendingCommit(id); err != nil {
		return mlsError(err)
	}
	return storageError(m.store.TouchCircle(ctx, id.Bytes()))
}

// AbortPendingCommit drops the last commit, for example when no relay
// accepted it.
func (m *Manager) AbortPendingCommit(id mdk.GroupID) error {
	return mlsError(m.mls.ClearPendingCommit(id))
}

// CreateKeyPackage prepares a kind-443 event body for the caller to sign.
func (m *Manager) CreateKeyPackage(identityHex string, relays []string) (*mdk.KeyPackageBundle, error) {
	bundle, err := m.mls.CreateKeyPackage(identityHex, relays)
	return bundle, mlsError(err)
}

// ProcessGroupEvent decrypts a kind-445 event for whichever circle it is
// routed to. Circles are bumped in the list on every location or update.
func (m *Manager) ProcessGroupEvent(ctx context.Context, evt *nostr.Event) (*mls.Result, error) {
	res, err := m.mls.ProcessMessage(evt)
	if err != nil {
		return nil, mlsError(err)
	}
	if res.Kind == mls.Unprocessable {
		return res, nil
	}
	if err := m.store.TouchCircle(ctx, res.MLSGroupID.Bytes()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, storageError(err)
	}
	return res, nil
}

// GroupContext returns the message-plane binding of an accepted circle.
func (m *Manager) GroupContext(ctx context.Context, id mdk.GroupID) (*mls.GroupContext, error) {
	ms, err := m.store.GetMembership(ctx, id.Bytes())
	if err != nil {
		return nil, storageError(err)
	}
	if ms.Status != storage.StatusAccepted {
		return nil, fmt.Errorf("%w: membership is %s", ErrMembershipConflict, ms.Status)
	}
	gc, err := m.mls.GroupContext(id)
	return gc, mlsError(err)
}
