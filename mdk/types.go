package mdk

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

const (
	// Ciphersuite is the only suite implemented.
	Ciphersuite uint16 = 0x0001
	// ProtocolVersion is advertised in key-package tags.
	ProtocolVersion = "1.0"
	// GroupIDSize is the size of both the MLS and the Nostr group id.
	GroupIDSize = 32
	// RetainedEpochs is how many past epoch secrets are kept.
	RetainedEpochs = 5
)

var (
	// ErrGroupNotFound is returned for unknown group ids.
	ErrGroupNotFound = errors.New("group not found")
	// ErrKeyPackage is returned for malformed or unverifiable key packages.
	ErrKeyPackage = errors.New("invalid key package")
	// ErrKeyPackageNotFound is returned when no private half matches a
	// welcome.
	ErrKeyPackageNotFound = errors.New("key package not found")
	// ErrInvalidWelcome is returned for welcomes that cannot be opened.
	ErrInvalidWelcome = errors.New("invalid welcome")
	// ErrNotAdmin is returned when a non-admin tries to change membership.
	ErrNotAdmin = errors.New("not a group admin")
	// ErrPendingCommit is returned when a commit is already pending.
	ErrPendingCommit = errors.New("a commit is already pending")
	// ErrNoPendingCommit is returned by MergePendingCommit without a commit.
	ErrNoPendingCommit = errors.New("no pending commit")
	// ErrMemberNotFound is returned when removing someone who is not a member.
	ErrMemberNotFound = errors.New("member not found")
	// ErrInactiveGroup is returned for operations on groups this client has
	// left or been removed from.
	ErrInactiveGroup = errors.New("group is not active")
	// ErrEpochUnavailable is returned when an epoch secret is not retained.
	ErrEpochUnavailable = errors.New("epoch secret unavailable")
	// ErrStorage wraps storage failures.
	ErrStorage = errors.New("mdk storage error")
	// ErrMessage is returned when a message cannot be built.
	ErrMessage = errors.New("message error")
)

// GroupID is the opaque MLS group id.
type GroupID [GroupIDSize]byte

// GroupIDFromBytes copies b into a GroupID.
func GroupIDFromBytes(b []byte) (GroupID, error) {
	var id GroupID
	if len(b) != GroupIDSize {
		return id, fmt.Errorf("%w: group id must be %d bytes, got %d", ErrGroupNotFound, GroupIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Bytes returns a copy of the id.
func (id GroupID) Bytes() []byte {
	out := make([]byte, GroupIDSize)
	copy(out, id[:])
	return out
}

// String is redacted so group ids never reach logs.
func (id GroupID) String() string {
	return "GroupID([redacted])"
}

// GoString is redacted as well.
func (id GroupID) GoString() string {
	return id.String()
}

// GroupState is the lifecycle of a group on this client.
type GroupState string

const (
	// GroupActive groups can send and receive.
	GroupActive GroupState = "active"
	// GroupPending groups came from a welcome that is not yet accepted.
	GroupPending GroupState = "pending"
	// GroupInactive groups were left or this client was removed.
	GroupInactive GroupState = "inactive"
)

// Group is the public view of a group.
type Group struct {
	MLSGroupID   GroupID
	NostrGroupID [GroupIDSize]byte
	Name         string
	Description  string
	Admins       []string
	Relays       []string
	Epoch        uint64
	State        GroupState
	MemberCount  int
}

// NostrGroupIDHex returns the routing id as used in h tags.
func (g *Group) NostrGroupIDHex() string {
	return hex.EncodeToString(g.NostrGroupID[:])
}

// IsAdmin reports whether pubkeyHex is an admin.
func (g *Group) IsAdmin(pubkeyHex string) bool {
	for _, a := range g.Admins {
		if a == pubkeyHex {
			return true
		}
	}
	return false
}

// GroupConfig describes a new group.
type GroupConfig struct {
	Name        string
	Description string
	Relays      []string
	Admins      []string
}

// CreateGroupResult is returned by CreateGroup.
type CreateGroupResult struct {
	Group *Group
	// WelcomeRumors are unsigned kind-444 events, one per invitee.
	WelcomeRumors []*nostr.Event
}

// UpdateResult is returned by membership changes.
type UpdateResult struct {
	// EvolutionEvent is the signed kind-445 commit or proposal to publish.
	EvolutionEvent *nostr.Event
	// WelcomeRumors are unsigned kind-444 events for added members.
	WelcomeRumors []*nostr.Event
	// MLSGroupID is the group that changed.
	MLSGroupID GroupID
}

// WelcomePreview describes a processed but not yet accepted welcome.
type WelcomePreview struct {
	MLSGroupID     GroupID
	NostrGroupID   [GroupIDSize]byte
	GroupName      string
	Description    string
	Admins         []string
	Relays         []string
	MemberCount    int
	WelcomerPubkey string
	WrapperEventID string
}

// ResultKind tags a ProcessResult.
type ResultKind int

const (
	// ApplicationMessage carries a decrypted rumor.
	ApplicationMessage ResultKind = iota + 1
	// Proposal is a membership proposal, recorded for the next commit.
	Proposal
	// Commit advanced (or, for our own commits, confirmed) the epoch.
	Commit
	// ExternalJoinProposal is an external join request. It is reported but
	// not acted upon.
	ExternalJoinProposal
	// Unprocessable means the event does not belong to the group or could
	// not be authenticated.
	Unprocessable
)

func (k ResultKind) String() string {
	switch k {
	case ApplicationMessage:
		return "application_message"
	case Proposal:
		return "proposal"
	case Commit:
		return "commit"
	case ExternalJoinProposal:
		return "external_join_proposal"
	case Unprocessable:
		return "unprocessable"
	default:
		return "unknown"
	}
}

// ProcessResult is the outcome of ProcessMessage.
type ProcessResult struct {
	Kind       ResultKind
	MLSGroupID GroupID
	// SenderPubkey and Rumor are set for application messages.
	SenderPubkey string
	Rumor        *nostr.Event
	// Reason explains an Unprocessable result for logs.
	Reason string
}

// MessageOptions controls the public tags of outbound group messages.
type MessageOptions struct {
	// ExpiresAt adds an expiration tag when non-zero. Unix seconds.
	ExpiresAt int64
	// Geohash adds a truncated g tag when non-empty.
	Geohash string
}
