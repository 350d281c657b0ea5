package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// CircleType distinguishes what a circle is used for.
type CircleType string

const (
	LocationSharing CircleType = "location_sharing"
	DirectShare     CircleType = "direct_share"
)

// Valid reports whether t is a known circle type.
func (t CircleType) Valid() bool {
	return t == LocationSharing || t == DirectShare
}

// MembershipStatus is the local user's standing in a circle.
type MembershipStatus string

const (
	StatusPending  MembershipStatus = "pending"
	StatusAccepted MembershipStatus = "accepted"
	StatusDeclined MembershipStatus = "declined"
)

// Valid reports whether s is a known status.
func (s MembershipStatus) Valid() bool {
	return s == StatusPending || s == StatusAccepted || s == StatusDeclined
}

// Visible reports whether circles with this status are listed to the user.
func (s MembershipStatus) Visible() bool {
	return s == StatusPending || s == StatusAccepted
}

// RelayList is persisted as a JSON array of URLs.
type RelayList []string

// Value implements driver.Valuer.
func (r RelayList) Value() (driver.Value, error) {
	if r == nil {
		r = RelayList{}
	}
	data, err := json.Marshal([]string(r))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (r *RelayList) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*r = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("%w: relays_json has type %T", ErrInvalidData, src)
	}
	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		return fmt.Errorf("%w: relays_json: %v", ErrInvalidData, err)
	}
	*r = urls
	return nil
}

// Circle is one row of the circles table. MLSGroupID is opaque and is the
// join key of every other table.
type Circle struct {
	bun.BaseModel `bun:"table:circles,alias:c"`

	MLSGroupID   []byte     `bun:"mls_group_id,pk"`
	NostrGroupID []byte     `bun:"nostr_group_id,notnull"`
	DisplayName  string     `bun:"display_name,notnull"`
	CircleType   CircleType `bun:"circle_type,notnull"`
	Relays       RelayList  `bun:"relays_json,type:text,notnull"`
	CreatedAt    time.Time  `bun:"created_at,notnull"`
	UpdatedAt    time.Time  `bun:"updated_at,notnull"`
}

// String redacts the group id.
func (c *Circle) String() string {
	return fmt.Sprintf("Circle{mls_group_id: [redacted], name: %q, type: %s, relays: %d}",
		c.DisplayName, c.CircleType, len(c.Relays))
}

// Membership is one row of circle_memberships. There is exactly one per
// circle.
type Membership struct {
	bun.BaseModel `bun:"table:circle_memberships,alias:m"`

	MLSGroupID    []byte           `bun:"mls_group_id,pk"`
	Status        MembershipStatus `bun:"status,notnull"`
	InviterPubkey string           `bun:"inviter_pubkey,nullzero"`
	InvitedAt     time.Time        `bun:"invited_at,notnull"`
	RespondedAt   time.Time        `bun:"responded_at,nullzero"`
}

// Contact is a locally named public key.
type Contact struct {
	bun.BaseModel `bun:"table:contacts,alias:ct"`

	Pubkey      string    `bun:"pubkey,pk"`
	DisplayName string    `bun:"display_name,nullzero"`
	AvatarPath  string    `bun:"avatar_path,nullzero"`
	Notes       string    `bun:"notes,nullzero"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
	UpdatedAt   time.Time `bun:"updated_at,notnull"`
}

// UIState holds per-circle presentation state.
type UIState struct {
	bun.BaseModel `bun:"table:circle_ui_state,alias:ui"`

	MLSGroupID        []byte `bun:"mls_group_id,pk"`
	LastReadMessageID string `bun:"last_read_message_id,nullzero"`
	PinOrder          *int64 `bun:"pin_order"`
	IsMuted           bool   `bun:"is_muted,notnull,default:false"`
}

// CircleWithMembership joins a circle with its membership row.
type CircleWithMembership struct {
	Circle     *Circle
	Membership *Membership
}
