package event

import "errors"

var (
	// ErrInvalidEvent is returned for malformed events or tags.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrExpired is returned for events past their expiration tag. Callers
	// treat it as non-fatal.
	ErrExpired = errors.New("event expired")
	// ErrIDMismatch is returned when the id does not match the content.
	ErrIDMismatch = errors.New("event id mismatch")
)
