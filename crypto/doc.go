// Package crypto implements the key material and payload encryption used by
// haven.
//
// Everything in this package sits directly on secp256k1 (via btcec) and the
// NIP-44 v2 envelope (via go-nostr). Secrets are held in fixed-size arrays
// that are wiped explicitly with Wipe and, as a backstop, by a finalizer when
// the owning value becomes unreachable.
//
// # Core Types
//
//   - [Identity]: the user's long-lived Nostr key pair. Its string form
//     shows only the public key.
//   - [EphemeralKeys]: a single-use key pair for gift wraps and group
//     messages. A fresh one is generated per outgoing event.
//   - [ConversationKey]: the 32-byte symmetric key derived by ECDH and
//     HKDF-Extract between two parties, or supplied directly (for example
//     the MLS exporter secret).
//
// # Key Generation
//
//	id, err := crypto.GenerateIdentity()
//	if err != nil {
//	    return err
//	}
//	defer id.Wipe()
//
//	npub, _ := id.Npub()
//
// Identities can also be rebuilt from a 32-byte secret, a hex string or a
// bech32 nsec. Scalars equal to zero or not below the curve order are
// rejected with [ErrInvalidSecretKey].
//
// # Payload Encryption
//
// [Encrypt] and [Decrypt] implement the NIP-44 v2 envelope:
//
//	version(1) || nonce(32) || ciphertext || mac(32)
//
// base64 encoded. Plaintexts must be between 1 and 65535 bytes. Any change
// to the version, nonce, ciphertext or MAC makes decryption fail with
// [ErrDecryption].
//
//	key, _ := alice.ConversationKey(bob.PublicKeyHex())
//	defer key.Wipe()
//	payload, _ := crypto.Encrypt("hello", key)
//
// # Key Storage
//
// [SecureKeyStorage] abstracts the platform secure store. Two
// implementations are provided: [MemoryKeyStorage] for tests and
// [EncryptedFileKeyStorage], which seals each entry with AES-GCM under a
// PBKDF2-derived key. [IdentityStore] loads, creates, imports and exports
// the identity under [IdentityStorageKey].
//
// # Replay Protection
//
// [ReplayGuard] remembers inbound event ids for a window so that an event
// delivered by several relays is handled once.
//
// # Logging
//
// Logging uses logrus with "function" and "package" fields. Secret material
// is never logged; public keys are shortened with [ShortKey].
package crypto
