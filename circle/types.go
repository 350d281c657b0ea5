package circle

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/mdk"
	"github.com/opd-ai/haven/storage"
)

// Config describes a new circle.
type Config struct {
	Name        string
	Description string
	Type        storage.CircleType
	// Relays the circle's messages are published to. Only wss:// URLs are
	// kept.
	Relays []string
	// Admins besides the creator, as hex pubkeys.
	Admins []string
}

// Member is one participant of a circle, enriched with local contact data.
type Member struct {
	Pubkey      string
	DisplayName string
	AvatarPath  string
	IsAdmin     bool
}

// CircleWithMembers is a circle, the local user's membership and the
// current participants.
type CircleWithMembers struct {
	Circle     *storage.Circle
	Membership *storage.Membership
	Members    []Member
}

// CreateResult is returned by CreateCircle.
type CreateResult struct {
	Circle *storage.Circle
	// WelcomeRumors are unsigned kind-444 events, one per invitee, in key
	// package order.
	WelcomeRumors []WelcomeRumor
}

// WelcomeRumor pairs a welcome with the invitee it is addressed to.
type WelcomeRumor struct {
	RecipientPubkey string
	Rumor           *nostr.Event
}

// Invitation is a pending membership as shown to the user.
type Invitation struct {
	MLSGroupID     mdk.GroupID
	CircleName     string
	InviterPubkey  string
	MemberCount    int
	InvitedAt      time.Time
	WrapperEventID string
}
