package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/event"
	"github.com/sirupsen/logrus"
)

// Subscription delivers events from one or more relays.
type Subscription struct {
	// Events is closed after the subscription ends.
	Events <-chan *nostr.Event

	cancel context.CancelFunc
	done   chan struct{}
}

// Close ends the subscription and waits for its forwarders to stop.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Subscribe opens filters on every relay that accepts them. Events are
// verified and de-duplicated by id before delivery. A full channel blocks
// the forwarders; it never drops events. Cancel ctx or call Close to end
// the subscription.
func (c *Client) Subscribe(ctx context.Context, filters nostr.Filters, relays []string) (*Subscription, error) {
	if err := validateURLs(relays); err != nil {
		return nil, err
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: no relays", ErrSubscription)
	}

	ctx, cancel := context.WithCancel(ctx)
	type source struct {
		url    string
		events <-chan *nostr.Event
		unsub  func()
	}
	var sources []source
	var lastErr error
	for _, u := range dedupe(relays) {
		conn, err := c.conn(ctx, u)
		if err != nil {
			lastErr = err
			continue
		}
		events, unsub, err := conn.Subscribe(ctx, filters)
		if err != nil {
			c.drop(u, conn)
			lastErr = err
			continue
		}
		sources = append(sources, source{url: u, events: events, unsub: unsub})
	}
	if len(sources) == 0 {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrSubscription, lastErr)
	}

	out := make(chan *nostr.Event, SubscriptionBuffer)
	done := make(chan struct{})
	var (
		wg     sync.WaitGroup
		seenMu sync.Mutex
		seen   = make(map[string]struct{})
	)
	firstSight := func(id string) bool {
		seenMu.Lock()
		defer seenMu.Unlock()
		if _, ok := seen[id]; ok {
			return false
		}
		seen[id] = struct{}{}
		return true
	}

	for _, src := range sources {
		wg.Add(1)
		go func(src source) {
			defer wg.Done()
			defer src.unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-src.events:
					if !ok {
						return
					}
					if err := event.Verify(evt); err != nil {
						logrus.WithFields(logrus.Fields{
							"function": "Subscribe",
							"package":  "relay",
							"relay":    src.url,
						}).Debug("Dropped event with invalid signature")
						continue
					}
					if !firstSight(evt.ID) {
						continue
					}
					select {
					case out <- evt:
					case <-ctx.Done():
						return
					}
				}
			}
		}(src)
	}
	go func() {
		wg.Wait()
		close(out)
		close(done)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Subscribe",
		"package":  "relay",
		"relays":   len(sources),
	}).Debug("Subscription opened")

	return &Subscription{Events: out, cancel: cancel, done: done}, nil
}
