// Package event builds, signs and verifies the Nostr events haven puts on
// the wire.
//
// Events use the go-nostr representation. The id is the SHA-256 of the
// canonical serialization [0, pubkey, created_at, kind, tags, content] and
// the signature is BIP-340 Schnorr over the id bytes. [Verify] compares ids
// in constant time.
//
// # Kinds
//
//	9      application rumor (location points carry ["t","location"])
//	13     seal
//	443    MLS key package
//	444    MLS welcome rumor
//	445    MLS group message
//	1059   gift wrap
//	10051  key-package relay list
//
// # Tags
//
// Tag constructors cover h (group routing), expiration (NIP-40), g (coarse
// geohash, cut to 5 characters), alt, d, relay, t and p. Alt descriptions
// are checked so they stay generic and never name the product, locations or
// family relationships.
//
// Rumors are unsigned events. They carry an id but no signature so that a
// leaked rumor cannot be published on its own.
package event
