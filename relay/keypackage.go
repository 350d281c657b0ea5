package relay

import (
	"context"
	"errors"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/crypto"
	"github.com/opd-ai/haven/event"
)

// KeyPackageFetchLimit is how many key packages are considered per lookup.
const KeyPackageFetchLimit = 5

// FetchKeyPackageRelays returns the inbox relays pubkey advertises in its
// newest kind-10051 list. Entries that are not wss:// are skipped. An
// empty result means no list was found.
func (c *Client) FetchKeyPackageRelays(ctx context.Context, pubkey string) ([]string, error) {
	if !crypto.IsValidPublicKey(pubkey) {
		return nil, crypto.ErrInvalidPubkey
	}
	events, err := c.Fetch(ctx, nostr.Filter{
		Kinds:   []int{event.KindKeyPackageRelays},
		Authors: []string{pubkey},
		Limit:   1,
	}, c.defaultRelays, 0)
	if err != nil {
		return nil, err
	}
	for _, evt := range events {
		if evt.PubKey != pubkey {
			continue
		}
		var out []string
		for _, u := range event.RelayURLs(evt) {
			if ValidateURL(u) == nil {
				out = append(out, u)
			}
		}
		return out, nil
	}
	return nil, nil
}

// FetchKeyPackage returns the newest key package of pubkey. It looks on
// the relays of pubkey's kind-10051 list, or on the default relays when
// the list is missing or empty.
func (c *Client) FetchKeyPackage(ctx context.Context, pubkey string) (*nostr.Event, error) {
	relays, err := c.FetchKeyPackageRelays(ctx, pubkey)
	if err != nil && !errors.Is(err, ErrFetch) {
		return nil, err
	}
	if len(relays) == 0 {
		relays = c.defaultRelays
	}

	events, err := c.Fetch(ctx, nostr.Filter{
		Kinds:   []int{event.KindKeyPackage},
		Authors: []string{pubkey},
		Limit:   KeyPackageFetchLimit,
	}, relays, 0)
	if err != nil {
		return nil, err
	}
	for _, evt := range events {
		if evt.PubKey == pubkey && evt.Kind == event.KindKeyPackage {
			return evt, nil
		}
	}
	return nil, ErrNoEventsFound
}
