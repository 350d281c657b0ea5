package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL is returned for relay URLs that are not wss://.
	ErrInvalidURL = errors.New("invalid relay url")
	// ErrConnection is returned when a relay cannot be reached.
	ErrConnection = errors.New("relay connection failed")
	// ErrPublish is returned for publish requests that cannot be attempted.
	ErrPublish = errors.New("publish failed")
	// ErrSubscription is returned when no relay accepted a subscription.
	ErrSubscription = errors.New("subscription failed")
	// ErrRejected marks a relay that answered OK false.
	ErrRejected = errors.New("rejected by relay")
	// ErrTimeout marks a relay that did not answer in time.
	ErrTimeout = errors.New("relay timeout")
	// ErrAllRelaysFailed is returned when no relay accepted a publish.
	ErrAllRelaysFailed = errors.New("all relays failed")
	// ErrFetch is returned when no relay answered a query.
	ErrFetch = errors.New("fetch failed")
	// ErrNoEventsFound is returned when a lookup found nothing.
	ErrNoEventsFound = errors.New("no events found")
	// ErrNotInitialized is returned after Close.
	ErrNotInitialized = errors.New("relay client not initialized")
)

// RejectedError carries the reason a relay gave for refusing an event.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%v: %s", ErrRejected, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}
