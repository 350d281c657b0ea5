// Package mdk is a compact group key-agreement kit for Nostr circles.
//
// It provides the capability set haven needs from an MLS library: key
// packages, group creation with welcomes, commits that add and remove
// members, self-remove proposals, epoch-bound exporter secrets and
// authenticated application messages carried in kind-445 events.
//
// # Ciphersuite
//
// Suite 0x0001 uses X25519 for init keys, HKDF-SHA256 for the key schedule,
// ChaCha20-Poly1305 for sealing and framing, and Ed25519 for leaf
// signatures.
//
// # Key Schedule
//
// Every commit draws a fresh commit secret and seals it to each remaining
// member's init key. It also carries a new init key for the committer,
// which replaces the committer's leaf once the commit is merged or applied.
// [MDK.SelfUpdate] issues a commit that only rotates that key, so a member
// whose init key leaked can heal the group without changing membership.
// The next epoch secret is
//
//	HKDF(salt = epoch_secret[n], ikm = commit_secret,
//	     info = "haven-mdk epoch" || group_id || n+1)
//
// From an epoch secret the kit derives the exporter secret (the NIP-44 key
// of kind-445 content) and the application key (the AEAD key of the inner
// frame). The last few epoch secrets are kept so that late messages still
// open.
//
// # Wire Format
//
// A group message is a kind-445 event signed by a one-time key with content
//
//	nip44(base64(cbor(Message)), exporter_secret)
//
// and public tags h (Nostr group id), expiration, alt and optionally a
// coarse g tag.
//
// # Storage
//
// State lives behind [Storage]. [BoltStorage] keeps everything in one bbolt
// file with each value sealed under a storage key. The unencrypted variant
// and [MemoryStorage] exist for tests.
//
// Group ids are never logged in clear; [GroupID.String] is redacted.
package mdk
