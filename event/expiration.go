package event

import (
	"fmt"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Expiration returns the time in the expiration tag, if any.
func Expiration(evt *nostr.Event) (time.Time, bool, error) {
	v, ok := TagValue(evt, "expiration")
	if !ok {
		return time.Time{}, false, nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, true, fmt.Errorf("%w: bad expiration %q", ErrInvalidEvent, v)
	}
	return time.Unix(secs, 0).UTC(), true, nil
}

// IsExpired reports whether now is past the expiration tag. Events without
// the tag never expire.
func IsExpired(evt *nostr.Event, now time.Time) bool {
	exp, ok, err := Expiration(evt)
	if err != nil || !ok {
		return false
	}
	return now.Unix() > exp.Unix()
}

// CheckExpiration returns ErrExpired for expired events.
func CheckExpiration(evt *nostr.Event, now time.Time) error {
	if _, _, err := Expiration(evt); err != nil {
		return err
	}
	if IsExpired(evt, now) {
		return fmt.Errorf("%w: kind %d", ErrExpired, evt.Kind)
	}
	return nil
}
