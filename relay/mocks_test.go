package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/crypto"
	"github.com/opd-ai/haven/event"
	"github.com/stretchr/testify/require"
)

// fakeHub is an in-memory set of relays.
type fakeHub struct {
	mu     sync.Mutex
	relays map[string]*fakeRelay
	dials  int
}

type fakeRelay struct {
	url    string
	down   bool
	reject string
	events []*nostr.Event
	subs   map[int]*fakeSub
	nextID int
}

type fakeSub struct {
	filters nostr.Filters
	ch      chan *nostr.Event
}

func newFakeHub(urls ...string) *fakeHub {
	h := &fakeHub{relays: make(map[string]*fakeRelay)}
	for _, u := range urls {
		h.relays[u] = &fakeRelay{url: u, subs: make(map[int]*fakeSub)}
	}
	return h
}

func (h *fakeHub) relay(u string) *fakeRelay {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.relays[u]
}

func (h *fakeHub) setDown(u string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relays[u].down = true
}

func (h *fakeHub) setReject(u, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relays[u].reject = reason
}

func (h *fakeHub) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// inject stores evt on u without any checks and fans it out.
func (h *fakeHub) inject(u string, evt *nostr.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.relays[u]
	r.events = append(r.events, evt)
	for _, s := range r.subs {
		if s.filters.Match(evt) {
			select {
			case s.ch <- evt:
			default:
			}
		}
	}
}

func (h *fakeHub) Dial(ctx context.Context, u string) (Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dials++
	r, ok := h.relays[u]
	if !ok || r.down {
		return nil, fmt.Errorf("%w: %s unreachable", ErrConnection, u)
	}
	return &fakeConn{hub: h, url: u}, nil
}

type fakeConn struct {
	hub *fakeHub
	url string
}

func (c *fakeConn) URL() string { return c.url }

func (c *fakeConn) Publish(ctx context.Context, evt nostr.Event) error {
	c.hub.mu.Lock()
	r := c.hub.relays[c.url]
	down, reject := r.down, r.reject
	c.hub.mu.Unlock()
	if down {
		return fmt.Errorf("connection reset")
	}
	if reject != "" {
		return &RejectedError{Reason: reject}
	}
	c.hub.inject(c.url, &evt)
	return nil
}

func (c *fakeConn) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, func(), error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	r := c.hub.relays[c.url]
	if r.down {
		return nil, nil, fmt.Errorf("connection reset")
	}
	id := r.nextID
	r.nextID++
	s := &fakeSub{filters: filters, ch: make(chan *nostr.Event, 100)}
	r.subs[id] = s
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			c.hub.mu.Lock()
			defer c.hub.mu.Unlock()
			delete(r.subs, id)
			close(s.ch)
		})
	}
	return s.ch, unsub, nil
}

func (c *fakeConn) QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	r := c.hub.relays[c.url]
	if r.down {
		return nil, fmt.Errorf("connection reset")
	}
	var out []*nostr.Event
	for _, evt := range r.events {
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

func (c *fakeConn) Close() error { return nil }

func newTestClient(t *testing.T, hub *fakeHub, defaults ...string) *Client {
	t.Helper()
	c, err := NewClient(Options{Dialer: hub, DefaultRelays: defaults, PublishTimeout: time.Second, FetchTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func signedEvent(t *testing.T, id *crypto.Identity, kind int, content string, createdAt time.Time, tags ...nostr.Tag) *nostr.Event {
	t.Helper()
	evt := &nostr.Event{
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Kind:      kind,
		Tags:      nostr.Tags(tags),
		Content:   content,
	}
	require.NoError(t, event.Sign(evt, id))
	return evt
}
