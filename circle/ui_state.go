package circle

import (
	"context"

	"github.com/opd-ai/haven/mdk"
	"github.com/opd-ai/haven/storage"
)

// GetUIState returns the presentation state of a circle.
func (m *Manager) GetUIState(ctx context.Context, id mdk.GroupID) (*storage.UIState, error) {
	if _, err := m.store.GetCircle(ctx, id.Bytes()); err != nil {
		return nil, storageError(err)
	}
	st, err := m.store.GetUIState(ctx, id.Bytes())
	return st, storageError(err)
}

func (m *Manager) updateUIState(ctx context.Context, id mdk.GroupID, apply func(*storage.UIState)) error {
	st, err := m.GetUIState(ctx, id)
	if err != nil {
		return err
	}
	apply(st)
	return storageError(m.store.SaveUIState(ctx, st))
}

// SetLastRead records the id of the last message the user saw.
func (m *Manager) SetLastRead(ctx context.Context, id mdk.GroupID, messageID string) error {
	return m.updateUIState(ctx, id, func(st *storage.UIState) { st.LastReadMessageID = messageID })
}

// SetPinOrder pins a circle at order, or unpins it when order is nil.
func (m *Manager) SetPinOrder(ctx context.Context, id mdk.GroupID, order *int64) error {
	return m.updateUIState(ctx, id, func(st *storage.UIState) { st.PinOrder = order })
}

// SetMuted mutes or unmutes a circle.
func (m *Manager) SetMuted(ctx context.Context, id mdk.GroupID, muted bool) error {
	return m.updateUIState(ctx, id, func(st *storage.UIState) { st.IsMuted = muted })
}
