package event

import (
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/location"
)

// NewRumor builds an unsigned event with its id set.
func NewRumor(pubkeyHex string, kind int, content string, tags nostr.Tags, createdAt time.Time) *nostr.Event {
	if tags == nil {
		tags = nostr.Tags{}
	}
	evt := &nostr.Event{
		PubKey:    pubkeyHex,
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	SetID(evt)
	return evt
}

// IsRumor reports whether evt is unsigned.
func IsRumor(evt *nostr.Event) bool {
	return evt.Sig == ""
}

// GroupMessageOptions controls the public tags of a kind-445 event.
type GroupMessageOptions struct {
	// ExpiresAt adds an expiration tag when non-zero.
	ExpiresAt time.Time
	// Geohash adds a g tag cut to MaxGeohashTagLength when non-empty.
	Geohash string
}

// NewGroupMessage builds an unsigned kind-445 event around already
// encrypted content. Only the group id, expiration, alt text and an
// optional coarse geohash are visible.
func NewGroupMessage(nostrGroupIDHex, content string, createdAt time.Time, opts GroupMessageOptions) *nostr.Event {
	tags := nostr.Tags{GroupTag(nostrGroupIDHex)}
	if !opts.ExpiresAt.IsZero() {
		tags = append(tags, ExpirationTag(opts.ExpiresAt))
	}
	tags = append(tags, nostr.Tag{"alt", GroupMessageAlt})
	if opts.Geohash != "" {
		tags = append(tags, GeohashTag(opts.Geohash))
	}
	return &nostr.Event{
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Kind:      KindGroupMessage,
		Tags:      tags,
		Content:   content,
	}
}

// NewKeyPackageRelayList builds an unsigned kind-10051 event listing the
// relays where the author's key packages can be found.
func NewKeyPackageRelayList(relays []string, createdAt time.Time) *nostr.Event {
	tags := make(nostr.Tags, 0, len(relays)+1)
	for _, r := range relays {
		tags = append(tags, RelayTag(r))
	}
	tags = append(tags, nostr.Tag{"alt", RelayListAlt})
	return &nostr.Event{
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Kind:      KindKeyPackageRelays,
		Tags:      tags,
		Content:   "",
	}
}

// RelayURLs returns the relay tags of a relay-list or key-package event.
func RelayURLs(evt *nostr.Event) []string {
	return TagValues(evt, "relay")
}

// LocationRumor wraps an obfuscated point in a kind-9 rumor tagged
// ["t","location"].
func LocationRumor(pubkeyHex string, loc *location.Location, createdAt time.Time) (*nostr.Event, error) {
	content, err := loc.ToJSON()
	if err != nil {
		return nil, err
	}
	tags := nostr.Tags{TopicTag(TopicLocation)}
	if !loc.ExpiresAt.IsZero() {
		tags = append(tags, ExpirationTag(loc.ExpiresAt))
	}
	return NewRumor(pubkeyHex, KindApplication, string(content), tags, createdAt), nil
}

// IsLocationRumor reports whether evt is a kind-9 location rumor.
func IsLocationRumor(evt *nostr.Event) bool {
	return evt.Kind == KindApplication && HasTag(evt, "t", TopicLocation)
}

// ParseLocation extracts the point from a location rumor.
func ParseLocation(evt *nostr.Event) (*location.Location, error) {
	if !IsLocationRumor(evt) {
		return nil, fmt.Errorf("%w: not a location rumor (kind %d)", ErrInvalidEvent, evt.Kind)
	}
	loc, err := location.FromJSON([]byte(evt.Content))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return loc, nil
}
