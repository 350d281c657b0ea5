// Package haven is the core of a private location sharing app built on
// Nostr and MLS.
//
// Members of a circle share coarse, short-lived locations. Each update is
// rounded to the configured precision, wrapped in an unsigned kind-9
// rumor, encrypted with the circle's MLS group state into a kind-445
// event signed by a one-time key, and published to the circle's relays.
// Invitations travel as NIP-59 gift wraps (kind 1059) holding an MLS
// welcome (kind 444).
//
// # Getting Started
//
// Load a configuration, hand the core a secure key storage and start the
// event loop:
//
//	cfg, err := config.LoadFile("haven.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.ApplyLogLevel()
//
//	core, err := haven.New(ctx, haven.Options{
//	    Config:     cfg,
//	    KeyStorage: keystore,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer core.Close()
//
//	core.OnInvitation(func(inv *circle.Invitation) {
//	    fmt.Printf("Invited to %s by %s\n", inv.CircleName, inv.InviterPubkey)
//	})
//	core.OnLocation(func(res *mls.Result) {
//	    fmt.Printf("%s is near %s\n", res.SenderPubkey, res.Location.Geohash)
//	})
//
//	// Let contacts find this device
//	if _, err := core.PublishKeyPackage(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	go core.Run(ctx)
//
// # Circles
//
// Create a circle with contacts that published a key package, then share
// a location with it:
//
//	res, err := core.CreateCircle(ctx, "Family", []string{alicePubkey})
//	id, _ := mdk.GroupIDFromBytes(res.Circle.MLSGroupID)
//	_, err = core.ShareLocation(ctx, id, 37.7749, -122.4194)
//
// Invitations stay pending until AcceptInvitation or DeclineInvitation.
// Declined circles are hidden from listings. LeaveCircle publishes a leave
// proposal and removes every local trace of the circle.
//
// # Packages
//
//   - [github.com/opd-ai/haven/crypto]: identity, NIP-44 encryption, key storage
//   - [github.com/opd-ai/haven/location]: obfuscation and precision levels
//   - [github.com/opd-ai/haven/event]: event kinds, tags and signing
//   - [github.com/opd-ai/haven/giftwrap]: NIP-59 wrapping of welcomes
//   - [github.com/opd-ai/haven/mdk]: the MLS group kit
//   - [github.com/opd-ai/haven/mls]: the group plane used by circles
//   - [github.com/opd-ai/haven/storage]: circle, membership and contact rows
//   - [github.com/opd-ai/haven/circle]: the circle lifecycle
//   - [github.com/opd-ai/haven/relay]: relay pool and key package discovery
//   - [github.com/opd-ai/haven/config]: TOML configuration
//
// # Time
//
// Every component takes a [crypto.TimeProvider] so tests can run on a
// fixed clock.
package haven
