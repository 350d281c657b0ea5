package crypto

import (
	"errors"

	"github.com/awnumar/memguard"
)

// SecureWipe erases the contents of a byte slice holding sensitive data.
// It returns an error if the byte slice is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}
	memguard.WipeBytes(data)
	return nil
}

// ZeroBytes erases the contents of a byte slice containing sensitive data.
// This is a convenience function that ignores the error from SecureWipe.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeIdentity erases the secret of an identity. Safe on nil.
func WipeIdentity(id *Identity) {
	if id != nil {
		id.Wipe()
	}
}
