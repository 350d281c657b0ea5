package mls

import (
	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/location"
	"github.com/opd-ai/haven/mdk"
)

// ResultKind tags a processed group message.
type ResultKind int

const (
	// Location carries a shared point.
	Location ResultKind = iota + 1
	// GroupUpdate means membership or epoch changed (commit, proposal or
	// external join request).
	GroupUpdate
	// Unprocessable events are ignored. They belong to another group, fail
	// authentication, or carry content this client does not handle.
	Unprocessable
)

func (k ResultKind) String() string {
	switch k {
	case Location:
		return "location"
	case GroupUpdate:
		return "group_update"
	case Unprocessable:
		return "unprocessable"
	default:
		return "unknown"
	}
}

// Result is the application-level outcome of processing a kind-445 event.
type Result struct {
	Kind       ResultKind
	MLSGroupID mdk.GroupID

	// Set for Location results.
	SenderPubkey string
	Location     *location.Location
	Rumor        *nostr.Event
	// Expired is set when the point is past its expiration. The point is
	// still returned so a UI can show it greyed out.
	Expired bool

	// Set for GroupUpdate results.
	Update mdk.ResultKind

	// Reason explains Unprocessable results. It is meant for logs only.
	Reason string
}
