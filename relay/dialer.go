package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Conn is one relay connection.
type Conn interface {
	URL() string
	// Publish sends evt and waits for the relay's OK. A refusal is
	// reported as *RejectedError.
	Publish(ctx context.Context, evt nostr.Event) error
	// Subscribe opens a subscription. The returned function closes it.
	Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, func(), error)
	// QuerySync returns stored events matching filter.
	QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	Close() error
}

// Dialer opens relay connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// NostrDialer connects over websockets with go-nostr.
type NostrDialer struct{}

// Dial implements Dialer.
func (NostrDialer) Dial(ctx context.Context, url string) (Conn, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, url, err)
	}
	return &nostrConn{relay: r}, nil
}

type nostrConn struct {
	relay *nostr.Relay
}

func (c *nostrConn) URL() string {
	return c.relay.URL
}

func (c *nostrConn) Publish(ctx context.Context, evt nostr.Event) error {
	err := c.relay.Publish(ctx, evt)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case strings.HasPrefix(err.Error(), "msg: "):
		// go-nostr reports an OK false answer as "msg: <reason>".
		return &RejectedError{Reason: strings.TrimPrefix(err.Error(), "msg: ")}
	default:
		return err
	}
}

func (c *nostrConn) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, func(), error) {
	sub, err := c.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, nil, err
	}
	return sub.Events, sub.Unsub, nil
}

func (c *nostrConn) QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	return c.relay.QuerySync(ctx, filter)
}

func (c *nostrConn) Close() error {
	return c.relay.Close()
}
