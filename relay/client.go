package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/event"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPublishTimeout bounds one publish across all relays.
	DefaultPublishTimeout = 30 * time.Second
	// DefaultFetchTimeout bounds one query across all relays.
	DefaultFetchTimeout = 10 * time.Second
	// SubscriptionBuffer is the capacity of a subscription's channel.
	SubscriptionBuffer = 100
)

// DefaultRelays are widely used public relays, the last resort for key
// package discovery.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.primal.net",
}

// ValidateURL accepts only wss:// URLs with a host.
func ValidateURL(u string) error {
	if !strings.HasPrefix(u, "wss://") {
		return fmt.Errorf("%w: %q is not wss://", ErrInvalidURL, u)
	}
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, u)
	}
	return nil
}

func validateURLs(urls []string) error {
	for _, u := range urls {
		if err := ValidateURL(u); err != nil {
			return err
		}
	}
	return nil
}

// Options configures a Client.
type Options struct {
	// Dialer defaults to NostrDialer.
	Dialer Dialer
	// DefaultRelays defaults to the package DefaultRelays.
	DefaultRelays  []string
	PublishTimeout time.Duration
	FetchTimeout   time.Duration
}

// Client is a pool of relay connections. It is safe for concurrent use.
type Client struct {
	dialer         Dialer
	defaultRelays  []string
	publishTimeout time.Duration
	fetchTimeout   time.Duration

	mu     sync.Mutex
	conns  map[string]Conn
	closed bool
}

// NewClient creates a client. Invalid default relays are an error.
func NewClient(opts Options) (*Client, error) {
	c := &Client{
		dialer:         opts.Dialer,
		defaultRelays:  opts.DefaultRelays,
		publishTimeout: opts.PublishTimeout,
		fetchTimeout:   opts.FetchTimeout,
		conns:          make(map[string]Conn),
	}
	if c.dialer == nil {
		c.dialer = NostrDialer{}
	}
	if len(c.defaultRelays) == 0 {
		c.defaultRelays = DefaultRelays
	}
	if c.publishTimeout <= 0 {
		c.publishTimeout = DefaultPublishTimeout
	}
	if c.fetchTimeout <= 0 {
		c.fetchTimeout = DefaultFetchTimeout
	}
	if err := validateURLs(c.defaultRelays); err != nil {
		return nil, err
	}
	return c, nil
}

// DefaultRelays returns the fallback relay set.
func (c *Client) DefaultRelays() []string {
	return append([]string(nil), c.defaultRelays...)
}

// conn returns a cached connection to u or dials one.
func (c *Client) conn(ctx context.Context, u string) (Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if existing, ok := c.conns[u]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, u)
	if err != nil {
		if !errors.Is(err, ErrConnection) {
			err = fmt.Errorf("%w: %s: %v", ErrConnection, u, err)
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return nil, ErrNotInitialized
	}
	if existing, ok := c.conns[u]; ok {
		conn.Close()
		return existing, nil
	}
	c.conns[u] = conn
	return conn, nil
}

// drop forgets a connection that failed so the next call redials.
func (c *Client) drop(u string, conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[u] == conn {
		delete(c.conns, u)
		conn.Close()
	}
}

// Close closes every connection. The client is unusable afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for u, conn := range c.conns {
		conn.Close()
		delete(c.conns, u)
	}
	return nil
}

// Rejection is a relay's refusal of an event.
type Rejection struct {
	URL    string
	Reason string
}

// Failure is a relay that could not be reached or did not answer.
type Failure struct {
	URL string
	Err error
}

// PublishResult accounts for every relay of a publish.
type PublishResult struct {
	EventID  string
	Accepted []string
	Rejected []Rejection
	Failed   []Failure
}

// Publish sends evt to relays in parallel and waits for each answer or the
// publish timeout. It fails with ErrAllRelaysFailed unless at least one
// relay accepted; the result is returned in both cases.
func (c *Client) Publish(ctx context.Context, evt *nostr.Event, relays []string) (*PublishResult, error) {
	if err := validateURLs(relays); err != nil {
		return nil, err
	}
	if evt == nil || evt.Sig == "" {
		return nil, fmt.Errorf("%w: event is not signed", ErrPublish)
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: no relays", ErrPublish)
	}

	ctx, cancel := context.WithTimeout(ctx, c.publishTimeout)
	defer cancel()

	res := &PublishResult{EventID: evt.ID}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, u := range dedupe(relays) {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			err := c.publishOne(ctx, u, *evt)

			mu.Lock()
			defer mu.Unlock()
			var rejected *RejectedError
			switch {
			case err == nil:
				res.Accepted = append(res.Accepted, u)
			case errors.As(err, &rejected):
				res.Rejected = append(res.Rejected, Rejection{URL: u, Reason: rejected.Reason})
			default:
				res.Failed = append(res.Failed, Failure{URL: u, Err: err})
			}
		}(u)
	}
	wg.Wait()
	sort.Strings(res.Accepted)

	logrus.WithFields(logrus.Fields{
		"function": "Publish",
		"package":  "relay",
		"kind":     evt.Kind,
		"accepted": len(res.Accepted),
		"rejected": len(res.Rejected),
		"failed":   len(res.Failed),
	}).Debug("Publish finished")

	if len(res.Accepted) == 0 {
		return res, fmt.Errorf("%w: %d rejected, %d failed", ErrAllRelaysFailed, len(res.Rejected), len(res.Failed))
	}
	return res, nil
}

func (c *Client) publishOne(ctx context.Context, u string, evt nostr.Event) error {
	conn, err := c.conn(ctx, u)
	if err != nil {
		return err
	}
	err = conn.Publish(ctx, evt)
	var rejected *RejectedError
	if err != nil && !errors.As(err, &rejected) {
		c.drop(u, conn)
		if ctx.Err() != nil && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
	}
	return err
}

// Fetch runs a one-shot query on relays and merges the answers. Events
// with bad ids or signatures are dropped. The result is newest first. A
// zero timeout uses the client's fetch timeout.
func (c *Client) Fetch(ctx context.Context, filter nostr.Filter, relays []string, timeout time.Duration) ([]*nostr.Event, error) {
	if err := validateURLs(relays); err != nil {
		return nil, err
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: no relays", ErrFetch)
	}
	if timeout <= 0 {
		timeout = c.fetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		seen      = make(map[string]*nostr.Event)
		succeeded int
		lastErr   error
	)
	for _, u := range dedupe(relays) {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			conn, err := c.conn(ctx, u)
			var events []*nostr.Event
			if err == nil {
				events, err = conn.QuerySync(ctx, filter)
				if err != nil {
					c.drop(u, conn)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				return
			}
			succeeded++
			for _, evt := range events {
				if _, dup := seen[evt.ID]; dup {
					continue
				}
				if event.Verify(evt) != nil {
					continue
				}
				seen[evt.ID] = evt
			}
		}(u)
	}
	wg.Wait()

	if succeeded == 0 {
		return nil, fmt.Errorf("%w: %v", ErrFetch, lastErr)
	}
	out := make([]*nostr.Event, 0, len(seen))
	for _, evt := range seen {
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
