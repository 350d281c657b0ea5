package mls

import (
	"encoding/hex"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/opd-ai/haven/crypto"
	"github.com/opd-ai/haven/mdk"
)

// GroupContext binds a group's ids to the manager that holds its state.
type GroupContext struct {
	manager      *Manager
	mlsGroupID   mdk.GroupID
	nostrGroupID [mdk.GroupIDSize]byte
}

// MLSGroupID returns the opaque group id.
func (gc *GroupContext) MLSGroupID() mdk.GroupID {
	return gc.mlsGroupID
}

// NostrGroupIDHex returns the routing id used in h tags.
func (gc *GroupContext) NostrGroupIDHex() string {
	return hex.EncodeToString(gc.nostrGroupID[:])
}

// Epoch returns the group's current epoch.
func (gc *GroupContext) Epoch() (uint64, error) {
	return gc.manager.Epoch(gc.mlsGroupID)
}

// ValidateEpoch fails unless the group is at expected.
func (gc *GroupContext) ValidateEpoch(expected uint64) error {
	epoch, err := gc.Epoch()
	if err != nil {
		return err
	}
	if epoch != expected {
		return fmt.Errorf("%w: expected %d, at %d", ErrEpochMismatch, expected, epoch)
	}
	return nil
}

// ExporterSecret returns the exporter secret of the current epoch.
func (gc *GroupContext) ExporterSecret() (*crypto.ConversationKey, error) {
	epoch, err := gc.Epoch()
	if err != nil {
		return nil, err
	}
	return gc.manager.ExporterSecret(gc.mlsGroupID, epoch)
}

// EncryptEvent turns an unsigned rumor into a signed kind-445 event.
func (gc *GroupContext) EncryptEvent(rumor *nostr.Event, opts MessageOptions) (*nostr.Event, error) {
	return gc.manager.CreateMessage(gc.mlsGroupID, rumor, opts)
}

// DecryptEvent processes a kind-445 event in this group. Events for other
// groups come back Unprocessable.
func (gc *GroupContext) DecryptEvent(evt *nostr.Event) (*Result, error) {
	return gc.manager.processGroupMessage(gc.mlsGroupID, evt)
}
