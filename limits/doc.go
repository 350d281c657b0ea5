// Package limits provides centralized size and range constants for the haven
// engine, with validation helpers that return wrapped sentinel errors.
//
// # Size Hierarchy
//
//   - MaxEnvelopePlaintext (65535 bytes): the NIP-44 v2 plaintext ceiling. Any
//     payload handed to the symmetric envelope must be between 1 byte and this
//     limit.
//
//   - MaxEventContent (256 KiB): the largest event content the engine will
//     produce or accept from a relay. Group messages carrying MLS ciphertext and
//     key packages stay well under this.
//
//   - MaxProcessingBuffer (1MB): the absolute maximum for any untrusted input.
//
// # Names and Lists
//
//   - MaxDisplayNameLength bounds circle and contact display names.
//   - MaxRelaysPerCircle bounds the relay list stored with a circle.
//   - MaxCircleMembers bounds the member count of a single circle.
//
// # Validation Functions
//
//	if err := limits.ValidateEnvelopePlaintext(plaintext); err != nil {
//	    return err // wraps ErrMessageEmpty or ErrMessageTooLarge
//	}
package limits
