package storage

import (
	"context"

	"github.com/pkg/errors"
)

// SaveUIState inserts or replaces the UI state of a circle.
func (s *Store) SaveUIState(ctx context.Context, st *UIState) error {
	if err := requireID(st.MLSGroupID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.NewInsert().
		Model(st).
		On("CONFLICT (mls_group_id) DO UPDATE").
		Set("last_read_message_id = EXCLUDED.last_read_message_id").
		Set("pin_order = EXCLUDED.pin_order").
		Set("is_muted = EXCLUDED.is_muted").
		Exec(ctx)
	if err != nil {
		return dbError(err, "store.SaveUIState.Upsert")
	}
	return nil
}

// GetUIState returns the UI state of a circle, or a zero state if none
// was saved yet.
func (s *Store) GetUIState(ctx context.Context, id []byte) (*UIState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := new(UIState)
	err := s.db.NewSelect().Model(st).Where("ui.mls_group_id = ?", id).Scan(ctx)
	if err != nil {
		err = dbError(err, "store.GetUIState.Scan")
		if errors.Is(err, ErrNotFound) {
			return &UIState{MLSGroupID: append([]byte(nil), id...)}, nil
		}
		return nil, err
	}
	return st, nil
}
