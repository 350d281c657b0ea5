// Package limits provides centralized size and range limits for the haven engine.
// This ensures consistent validation across the envelope, event, and store layers.
package limits

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// MaxEnvelopePlaintext is the NIP-44 v2 plaintext limit.
	MaxEnvelopePlaintext = 65535

	// MinEnvelopePayload is the smallest valid base64-decoded envelope:
	// version (1) + nonce (32) + smallest padded block (2+32) + MAC (32).
	MinEnvelopePayload = 99

	// MaxEventContent is the largest event content the engine produces or accepts.
	MaxEventContent = 256 * 1024

	// MaxProcessingBuffer is the absolute maximum for any operation.
	// This prevents memory exhaustion attacks (1MB limit)
	MaxProcessingBuffer = 1024 * 1024

	// MaxDisplayNameLength is the maximum length in bytes of a circle or contact name.
	MaxDisplayNameLength = 128

	// MaxNotesLength is the maximum length in bytes of contact notes.
	MaxNotesLength = 4096

	// MaxRelaysPerCircle bounds the relay list persisted with a circle.
	MaxRelaysPerCircle = 16

	// MaxCircleMembers bounds the member count of a single circle.
	MaxCircleMembers = 64
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrNameTooLong indicates a display name exceeds MaxDisplayNameLength
	ErrNameTooLong = errors.New("name too long")

	// ErrInvalidUTF8 indicates text that is not valid UTF-8
	ErrInvalidUTF8 = errors.New("invalid utf-8")

	// ErrTooMany indicates a list exceeds its allowed length
	ErrTooMany = errors.New("too many entries")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateEnvelopePlaintext validates a plaintext against MaxEnvelopePlaintext.
func ValidateEnvelopePlaintext(plaintext []byte) error {
	if len(plaintext) == 0 {
		return ErrMessageEmpty
	}
	if len(plaintext) > MaxEnvelopePlaintext {
		return fmt.Errorf("%w: plaintext size %d exceeds limit %d", ErrMessageTooLarge, len(plaintext), MaxEnvelopePlaintext)
	}
	return nil
}

// ValidateEventContent validates event content against MaxEventContent.
// Empty content is allowed; relay-list events carry none.
func ValidateEventContent(content string) error {
	if len(content) > MaxEventContent {
		return fmt.Errorf("%w: content size %d exceeds limit %d", ErrMessageTooLarge, len(content), MaxEventContent)
	}
	return nil
}

// ValidateProcessingBuffer validates data against the absolute maximum (MaxProcessingBuffer).
// This limit should be used for all untrusted input.
func ValidateProcessingBuffer(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxProcessingBuffer {
		return fmt.Errorf("%w: buffer size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxProcessingBuffer)
	}
	return nil
}

// ValidateDisplayName checks a display name for length and encoding.
// An empty name is valid; callers decide whether a name is required.
func ValidateDisplayName(name string) error {
	if len(name) > MaxDisplayNameLength {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrNameTooLong, len(name), MaxDisplayNameLength)
	}
	if !utf8.ValidString(name) {
		return ErrInvalidUTF8
	}
	return nil
}

// ValidateCount checks that n does not exceed max for the named list.
func ValidateCount(what string, n, max int) error {
	if n > max {
		return fmt.Errorf("%w: %d %s exceeds limit %d", ErrTooMany, n, what, max)
	}
	return nil
}
