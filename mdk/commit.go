package mdk

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// commitSecret is the commit secret sealed to one remaining member.
type commitSecret struct {
	Leaf   uint32 `cbor:"1,keyasint"`
	Sealed sealed `cbor:"2,keyasint"`
}

// commitBody is the payload of a commit message.
type commitBody struct {
	NewEpoch    uint64         `cbor:"1,keyasint"`
	Adds        []member       `cbor:"2,keyasint"`
	Removes     []uint32       `cbor:"3,keyasint"`
	SelfRemoves []uint32       `cbor:"4,keyasint"`
	Secrets     []commitSecret `cbor:"5,keyasint"`
	// InitKey replaces the committer's leaf init key from the new epoch on.
	InitKey []byte `cbor:"6,keyasint"`
}

// addedMember pairs a new leaf with the key package it came from.
type addedMember struct {
	member       member
	keyPackage   *KeyPackage
	keyPackageID string
}

func commitContext(id GroupID, epoch uint64) []byte {
	ctx := make([]byte, 0, GroupIDSize+8)
	ctx = append(ctx, id[:]...)
	return binary.BigEndian.AppendUint64(ctx, epoch)
}

// nextMembers applies removals then additions to the member list.
func nextMembers(current []member, removes, selfRemoves []uint32, adds []member) []member {
	out := make([]member, 0, len(current)+len(adds))
	for _, mb := range current {
		if hasLeaf(removes, mb.Leaf) || hasLeaf(selfRemoves, mb.Leaf) {
			continue
		}
		out = append(out, mb)
	}
	return append(out, adds...)
}

// filterAdmins drops admins that are no longer members.
func filterAdmins(admins []string, members []member) []string {
	out := make([]string, 0, len(admins))
	for _, a := range admins {
		for _, mb := range members {
			if mb.Identity == a {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// buildCommit prepares a commit that removes the given leaves, folds in
// received self-remove proposals and adds the given key packages. The
// result is stored as st.Pending. Callers hold m.mu.
func (m *MDK) buildCommit(st *groupState, adds []*nostr.Event, removes []uint32) (*nostr.Event, []*nostr.Event, error) {
	if st.Pending != nil {
		return nil, nil, ErrPendingCommit
	}

	var selfRemoves []uint32
	for _, leaf := range st.Proposals {
		if leaf == st.OwnLeaf || hasLeaf(removes, leaf) {
			continue
		}
		if _, ok := st.memberByLeaf(leaf); ok {
			selfRemoves = append(selfRemoves, leaf)
		}
	}

	nextLeaf := st.NextLeaf
	added := make([]addedMember, 0, len(adds))
	for _, evt := range adds {
		kp, err := ParseKeyPackage(evt)
		if err != nil {
			return nil, nil, err
		}
		if existing, ok := st.memberByIdentity(kp.Identity); ok && !hasLeaf(removes, existing.Leaf) && !hasLeaf(selfRemoves, existing.Leaf) {
			return nil, nil, fmt.Errorf("%w: %s is already a member", ErrKeyPackage, crypto.ShortKey(kp.Identity))
		}
		for _, a := range added {
			if a.member.Identity == kp.Identity {
				return nil, nil, fmt.Errorf("%w: duplicate key package for %s", ErrKeyPackage, crypto.ShortKey(kp.Identity))
			}
		}
		added = append(added, addedMember{
			member: member{
				Leaf:         nextLeaf,
				Identity:     kp.Identity,
				SignatureKey: kp.SignatureKey,
				InitKey:      kp.InitKey,
			},
			keyPackage:   kp,
			keyPackageID: evt.ID,
		})
		nextLeaf++
	}

	addMembers := make([]member, 0, len(added))
	for _, a := range added {
		addMembers = append(addMembers, a.member)
	}
	members := nextMembers(st.Members, removes, selfRemoves, addMembers)

	current, err := st.currentSecret()
	if err != nil {
		return nil, nil, err
	}
	initPriv, initPub, err := x25519KeyPair()
	if err != nil {
		return nil, nil, err
	}
	committed := false
	defer func() {
		if !committed {
			crypto.ZeroBytes(initPriv)
		}
	}()
	for i := range members {
		if members[i].Leaf == st.OwnLeaf {
			members[i].InitKey = initPub
		}
	}
	cs := make([]byte, secretSize)
	if _, err := rand.Read(cs); err != nil {
		return nil, nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	defer crypto.ZeroBytes(cs)

	newEpoch := st.Epoch + 1
	newSecret, err := nextEpochSecret(current, cs, st.MLSGroupID, newEpoch)
	if err != nil {
		return nil, nil, err
	}

	body := commitBody{
		NewEpoch:    newEpoch,
		Adds:        addMembers,
		Removes:     removes,
		SelfRemoves: selfRemoves,
		InitKey:     initPub,
	}
	ctx := commitContext(st.MLSGroupID, newEpoch)
	for _, mb := range members {
		if mb.Leaf == st.OwnLeaf || hasLeaf(body.addedLeaves(), mb.Leaf) {
			continue
		}
		s, err := seal(mb.InitKey, "commit", cs, ctx)
		if err != nil {
			return nil, nil, err
		}
		body.Secrets = append(body.Secrets, commitSecret{Leaf: mb.Leaf, Sealed: *s})
	}

	payload, err := marshal(&body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMessage, err)
	}
	msg, err := st.sealMessage(st.Epoch, contentCommit, payload)
	if err != nil {
		return nil, nil, err
	}
	evt, err := m.toEvent(st, msg, MessageOptions{})
	if err != nil {
		return nil, nil, err
	}

	admins := filterAdmins(st.Admins, members)
	welcomes := make([]*nostr.Event, 0, len(added))
	for _, a := range added {
		info := groupInfo{
			MLSGroupID:    st.MLSGroupID,
			NostrGroupID:  st.NostrGroupID,
			Name:          st.Name,
			Description:   st.Description,
			Admins:        admins,
			Relays:        st.Relays,
			Epoch:         newEpoch,
			EpochSecret:   newSecret,
			Members:       members,
			NextLeaf:      nextLeaf,
			NewMemberLeaf: a.member.Leaf,
		}
		rumor, err := m.buildWelcome(st.OwnIdentity, &info, a.keyPackage, a.keyPackageID)
		if err != nil {
			return nil, nil, err
		}
		welcomes = append(welcomes, rumor)
	}

	st.Pending = &pendingCommit{
		Epoch:       newEpoch,
		EpochSecret: newSecret,
		Members:     members,
		NextLeaf:    nextLeaf,
		Proposals:   selfRemoves,
		InitKey:     initPriv,
	}
	committed = true
	return evt, welcomes, nil
}

func (b *commitBody) addedLeaves() []uint32 {
	out := make([]uint32, 0, len(b.Adds))
	for _, a := range b.Adds {
		out = append(out, a.Leaf)
	}
	return out
}

// applyCommit processes a commit from another member. A non-empty reason
// means the commit was rejected as unprocessable. Callers hold m.mu.
func (m *MDK) applyCommit(st *groupState, sender *member, epoch uint64, payload []byte) (string, error) {
	var body commitBody
	if err := unmarshal(payload, &body); err != nil {
		return "bad commit", nil
	}
	if epoch != st.Epoch || body.NewEpoch != st.Epoch+1 {
		return "stale or future commit", nil
	}
	if len(body.InitKey) != curve25519.PointSize {
		return "missing committer init key", nil
	}

	senderIsAdmin := st.isAdmin(sender.Identity)
	if (len(body.Adds) > 0 || len(body.Removes) > 0) && !senderIsAdmin {
		return "commit by non-admin", nil
	}
	if !senderIsAdmin {
		for _, leaf := range body.SelfRemoves {
			if !hasLeaf(st.Proposals, leaf) {
				return "unproposed removal", nil
			}
		}
	}

	log := logrus.WithFields(logrus.Fields{
		"function": "applyCommit",
		"package":  "mdk",
		"group":    st.MLSGroupID.String(),
		"epoch":    body.NewEpoch,
	})

	if st.Pending != nil {
		log.Warn("Discarding local pending commit superseded by a remote commit")
		st.Pending.wipe()
		st.Pending = nil
	}

	if hasLeaf(body.Removes, st.OwnLeaf) || hasLeaf(body.SelfRemoves, st.OwnLeaf) {
		st.State = GroupInactive
		for _, e := range st.Secrets {
			crypto.ZeroBytes(e.Secret)
		}
		st.Secrets = nil
		log.Info("Removed from group")
		return "", m.persist(st)
	}

	var own *sealed
	for i := range body.Secrets {
		if body.Secrets[i].Leaf == st.OwnLeaf {
			own = &body.Secrets[i].Sealed
			break
		}
	}
	if own == nil {
		return "no commit secret for this member", nil
	}
	cs, err := open(own, st.OwnInitKey, "commit", commitContext(st.MLSGroupID, body.NewEpoch))
	if err != nil {
		return "cannot open commit secret", nil
	}
	defer crypto.ZeroBytes(cs)

	current, err := st.currentSecret()
	if err != nil {
		return "", err
	}
	newSecret, err := nextEpochSecret(current, cs, st.MLSGroupID, body.NewEpoch)
	if err != nil {
		return "", err
	}

	st.Members = nextMembers(st.Members, body.Removes, body.SelfRemoves, body.Adds)
	if mb, ok := st.memberByLeaf(sender.Leaf); ok {
		mb.InitKey = cloneBytes(body.InitKey)
	}
	for _, a := range body.Adds {
		if a.Leaf >= st.NextLeaf {
			st.NextLeaf = a.Leaf + 1
		}
	}
	st.Admins = filterAdmins(st.Admins, st.Members)
	st.Proposals = dropLeaves(st.Proposals, body.SelfRemoves)
	st.pushEpoch(body.NewEpoch, newSecret)

	log.Debug("Applied commit")
	return "", m.persist(st)
}

func dropLeaves(leaves, drop []uint32) []uint32 {
	var out []uint32
	for _, l := range leaves {
		if !hasLeaf(drop, l) {
			out = append(out, l)
		}
	}
	return out
}

// AddMembers creates a commit adding the members of the given key-package
// events. Only admins may add members. The commit stays pending until
// MergePendingCommit.
func (m *MDK) AddMembers(id GroupID, keyPackages []*nostr.Event) (*UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.activeAdminGroup(id)
	if err != nil {
		return nil, err
	}
	evt, welcomes, err := m.buildCommit(st, keyPackages, nil)
	if err != nil {
		return nil, err
	}
	if err := m.persist(st); err != nil {
		return nil, err
	}
	return &UpdateResult{EvolutionEvent: evt, WelcomeRumors: welcomes, MLSGroupID: id}, nil
}

// RemoveMembers creates a commit removing the given pubkeys. Only admins
// may remove members, and nobody can remove themselves this way.
func (m *MDK) RemoveMembers(id GroupID, pubkeys []string) (*UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.activeAdminGroup(id)
	if err != nil {
		return nil, err
	}

	leaves := make([]uint32, 0, len(pubkeys))
	for _, pk := range pubkeys {
		if pk == st.OwnIdentity {
			return nil, fmt.Errorf("%w: use LeaveGroup to leave", ErrMemberNotFound)
		}
		mb, ok := st.memberByIdentity(pk)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, crypto.ShortKey(pk))
		}
		leaves = append(leaves, mb.Leaf)
	}

	evt, _, err := m.buildCommit(st, nil, leaves)
	if err != nil {
		return nil, err
	}
	if err := m.persist(st); err != nil {
		return nil, err
	}
	return &UpdateResult{EvolutionEvent: evt, MLSGroupID: id}, nil
}

// SelfUpdate creates a commit that only rotates this member's init key and
// folds in received leave proposals. Any active member may call it. The
// commit stays pending until MergePendingCommit.
func (m *MDK) SelfUpdate(id GroupID) (*UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.group(id)
	if err != nil {
		return nil, err
	}
	if st.State != GroupActive {
		return nil, ErrInactiveGroup
	}
	evt, _, err := m.buildCommit(st, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := m.persist(st); err != nil {
		return nil, err
	}
	return &UpdateResult{EvolutionEvent: evt, MLSGroupID: id}, nil
}

func (m *MDK) activeAdminGroup(id GroupID) (*groupState, error) {
	st, err := m.group(id)
	if err != nil {
		return nil, err
	}
	if st.State != GroupActive {
		return nil, ErrInactiveGroup
	}
	if !st.isAdmin(st.OwnIdentity) {
		return nil, ErrNotAdmin
	}
	return st, nil
}

// MergePendingCommit applies the locally created commit.
func (m *MDK) MergePendingCommit(id GroupID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.group(id)
	if err != nil {
		return err
	}
	p := st.Pending
	if p == nil {
		return ErrNoPendingCommit
	}

	st.Members = p.Members
	st.NextLeaf = p.NextLeaf
	st.Admins = filterAdmins(st.Admins, st.Members)
	st.Proposals = dropLeaves(st.Proposals, p.Proposals)
	st.pushEpoch(p.Epoch, p.EpochSecret)
	crypto.ZeroBytes(st.OwnInitKey)
	st.OwnInitKey = p.InitKey
	st.Pending = nil

	logrus.WithFields(logrus.Fields{
		"function": "MergePendingCommit",
		"package":  "mdk",
		"group":    id.String(),
		"epoch":    st.Epoch,
	}).Debug("Merged pending commit")

	return m.persist(st)
}

// ClearPendingCommit discards the locally created commit.
func (m *MDK) ClearPendingCommit(id GroupID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.group(id)
	if err != nil {
		return err
	}
	if st.Pending == nil {
		return nil
	}
	st.Pending.wipe()
	st.Pending = nil
	return m.persist(st)
}
