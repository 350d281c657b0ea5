package haven

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/relay"
)

// memoryRelays is an in-memory relay network. Subscriptions receive the
// stored events first, like a relay before EOSE, then live ones.
type memoryRelays struct {
	mu     sync.Mutex
	relays map[string]*memoryRelay
}

type memoryRelay struct {
	events []*nostr.Event
	subs   map[int]*memorySub
	nextID int
}

type memorySub struct {
	filters nostr.Filters
	ch      chan *nostr.Event
}

func newMemoryRelays(urls ...string) *memoryRelays {
	n := &memoryRelays{relays: make(map[string]*memoryRelay)}
	for _, u := range urls {
		n.relays[u] = &memoryRelay{subs: make(map[int]*memorySub)}
	}
	return n
}

// stored returns the events of one kind held by relay u.
func (n *memoryRelays) stored(u string, kind int) []*nostr.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*nostr.Event
	for _, evt := range n.relays[u].events {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

func (n *memoryRelays) Dial(ctx context.Context, u string) (relay.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.relays[u]; !ok {
		return nil, fmt.Errorf("%w: %s unreachable", relay.ErrConnection, u)
	}
	return &memoryConn{net: n, url: u}, nil
}

type memoryConn struct {
	net *memoryRelays
	url string
}

func (c *memoryConn) URL() string { return c.url }

func (c *memoryConn) Publish(ctx context.Context, evt nostr.Event) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	r := c.net.relays[c.url]
	r.events = append(r.events, &evt)
	for _, s := range r.subs {
		if s.filters.Match(&evt) {
			select {
			case s.ch <- &evt:
			default:
			}
		}
	}
	return nil
}

func (c *memoryConn) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, func(), error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	r := c.net.relays[c.url]
	id := r.nextID
	r.nextID++
	s := &memorySub{filters: filters, ch: make(chan *nostr.Event, 100)}
	for _, evt := range r.events {
		if filters.Match(evt) {
			s.ch <- evt
		}
	}
	r.subs[id] = s
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			c.net.mu.Lock()
			defer c.net.mu.Unlock()
			delete(r.subs, id)
			close(s.ch)
		})
	}
	return s.ch, unsub, nil
}

func (c *memoryConn) QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	var out []*nostr.Event
	for _, evt := range c.net.relays[c.url].events {
		if filter.Matches(evt) {
			out = append(out, evt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (c *memoryConn) Close() error { return nil }
