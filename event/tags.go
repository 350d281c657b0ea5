package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const (
	// MaxGeohashTagLength caps the g tag so only a coarse area leaks.
	MaxGeohashTagLength = 5

	// GroupMessageAlt is the alt text on kind-445 events.
	GroupMessageAlt = "Encrypted group message"
	// KeyPackageAlt is the alt text on kind-443 events.
	KeyPackageAlt = "Key package"
	// RelayListAlt is the alt text on kind-10051 events.
	RelayListAlt = "Relay list"

	// TopicLocation marks kind-9 rumors that carry a location point.
	TopicLocation = "location"
)

// forbiddenAltWords must never appear in an alt tag, in any case.
var forbiddenAltWords = []string{"haven", "location", "family"}

// ValidateAlt rejects alt descriptions that identify the product or its
// purpose.
func ValidateAlt(description string) error {
	lower := strings.ToLower(description)
	for _, w := range forbiddenAltWords {
		if strings.Contains(lower, w) {
			return fmt.Errorf("%w: alt text is not generic", ErrInvalidEvent)
		}
	}
	return nil
}

// GroupTag routes an event to subscribers of a group.
func GroupTag(nostrGroupIDHex string) nostr.Tag {
	return nostr.Tag{"h", nostrGroupIDHex}
}

// ExpirationTag asks relays to delete the event after t (NIP-40).
func ExpirationTag(t time.Time) nostr.Tag {
	return nostr.Tag{"expiration", strconv.FormatInt(t.Unix(), 10)}
}

// GeohashTag returns a g tag with the geohash cut to MaxGeohashTagLength.
func GeohashTag(geohash string) nostr.Tag {
	if len(geohash) > MaxGeohashTagLength {
		geohash = geohash[:MaxGeohashTagLength]
	}
	return nostr.Tag{"g", geohash}
}

// AltTag returns an alt tag after checking the description is generic.
func AltTag(description string) (nostr.Tag, error) {
	if err := ValidateAlt(description); err != nil {
		return nil, err
	}
	return nostr.Tag{"alt", description}, nil
}

// IdentifierTag returns a d tag for addressable events.
func IdentifierTag(identifier string) nostr.Tag {
	return nostr.Tag{"d", identifier}
}

// RelayTag lists a relay in relay-list events.
func RelayTag(url string) nostr.Tag {
	return nostr.Tag{"relay", url}
}

// TopicTag returns a t tag.
func TopicTag(topic string) nostr.Tag {
	return nostr.Tag{"t", topic}
}

// PubkeyTag returns a p tag naming a recipient.
func PubkeyTag(pubkeyHex string) nostr.Tag {
	return nostr.Tag{"p", pubkeyHex}
}

// TagValue returns the value of the first tag named name.
func TagValue(evt *nostr.Event, name string) (string, bool) {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// TagValues returns the values of every tag named name.
func TagValues(evt *nostr.Event, name string) []string {
	var out []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

// HasTag reports whether evt carries a tag with the given name and value.
func HasTag(evt *nostr.Event, name, value string) bool {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name && tag[1] == value {
			return true
		}
	}
	return false
}
