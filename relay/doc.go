// Package relay is the Nostr relay client.
//
// A Client keeps one connection per relay URL and offers publish with
// per-relay accounting, long-lived subscriptions, one-shot fetches and key
// package discovery. Only wss:// URLs are accepted; anything else fails
// with ErrInvalidURL before any network activity.
//
// Publishing succeeds when at least one relay accepts the event:
//
//	res, err := client.Publish(ctx, evt, circle.Relays)
//	if errors.Is(err, relay.ErrAllRelaysFailed) {
//		for _, r := range res.Rejected {
//			log.Printf("%s: %s", r.URL, r.Reason)
//		}
//	}
//
// Subscriptions deliver verified, de-duplicated events on a bounded
// channel. Cancel the context or call Close to stop them.
//
// Connections are made through a Dialer. NostrDialer uses go-nostr
// websockets; tests substitute an in-memory hub.
package relay
