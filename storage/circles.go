package storage

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
)

// SaveCircle inserts c or updates every column but created_at.
func (s *Store) SaveCircle(ctx context.Context, c *Circle) error {
	if err := requireID(c.MLSGroupID); err != nil {
		return err
	}
	if !c.CircleType.Valid() {
		return errors.Wrapf(ErrInvalidData, "circle type %q", c.CircleType)
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if c.Relays == nil {
		c.Relays = RelayList{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.NewInsert().
		Model(c).
		On("CONFLICT (mls_group_id) DO UPDATE").
		Set("nostr_group_id = EXCLUDED.nostr_group_id").
		Set("display_name = EXCLUDED.display_name").
		Set("circle_type = EXCLUDED.circle_type").
		Set("relays_json = EXCLUDED.relays_json").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return dbError(err, "store.SaveCircle.Upsert")
	}
	return nil
}

// GetCircle returns one circle.
func (s *Store) GetCircle(ctx context.Context, id []byte) (*Circle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := new(Circle)
	if err := s.db.NewSelect().Model(c).Where("c.mls_group_id = ?", id).Scan(ctx); err != nil {
		return nil, dbError(err, "store.GetCircle.Scan")
	}
	return c, nil
}

// ListCircles returns all circles, most recently updated first.
func (s *Store) ListCircles(ctx context.Context) ([]*Circle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var circles []*Circle
	if err := s.db.NewSelect().Model(&circles).Order("c.updated_at DESC").Scan(ctx); err != nil {
		return nil, dbError(err, "store.ListCircles.Scan")
	}
	return circles, nil
}

// ListVisibleCircles returns circles whose membership is pending or
// accepted, most recently updated first.
func (s *Store) ListVisibleCircles(ctx context.Context) ([]*CircleWithMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var circles []*Circle
	err := s.db.NewSelect().
		Model(&circles).
		Join("JOIN circle_memberships AS m ON m.mls_group_id = c.mls_group_id").
		Where("m.status IN (?)", bun.In([]MembershipStatus{StatusPending, StatusAccepted})).
		Order("c.updated_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, dbError(err, "store.ListVisibleCircles.Scan")
	}
	if len(circles) == 0 {
		return nil, nil
	}

	ids := make([][]byte, 0, len(circles))
	for _, c := range circles {
		ids = append(ids, c.MLSGroupID)
	}
	var memberships []*Membership
	if err := s.db.NewSelect().
		Model(&memberships).
		Where("m.mls_group_id IN (?)", bun.In(ids)).
		Scan(ctx); err != nil {
		return nil, dbError(err, "store.ListVisibleCircles.Memberships")
	}
	byID := make(map[string]*Membership, len(memberships))
	for _, m := range memberships {
		byID[string(m.MLSGroupID)] = m
	}

	out := make([]*CircleWithMembership, 0, len(circles))
	for _, c := range circles {
		out = append(out, &CircleWithMembership{Circle: c, Membership: byID[string(c.MLSGroupID)]})
	}
	return out, nil
}

// TouchCircle sets updated_at to now.
func (s *Store) TouchCircle(ctx context.Context, id []byte) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.NewUpdate().
		Model((*Circle)(nil)).
		Set("updated_at = ?", now).
		Where("mls_group_id = ?", id).
		Exec(ctx)
	if err != nil {
		return dbError(err, "store.TouchCircle.Update")
	}
	return requireAffected(res, "store.TouchCircle")
}

// DeleteCircle removes the UI state, membership and circle rows of id, in
// that order, in one transaction.
func (s *Store) DeleteCircle(ctx context.Context, id []byte) error {
	if err := requireID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*UIState)(nil)).Where("mls_group_id = ?", id).Exec(ctx); err != nil {
			return dbError(err, "store.DeleteCircle.UIState")
		}
		if _, err := tx.NewDelete().Model((*Membership)(nil)).Where("mls_group_id = ?", id).Exec(ctx); err != nil {
			return dbError(err, "store.DeleteCircle.Membership")
		}
		if _, err := tx.NewDelete().Model((*Circle)(nil)).Where("mls_group_id = ?", id).Exec(ctx); err != nil {
			return dbError(err, "store.DeleteCircle.Circle")
		}
		return nil
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "DeleteCircle",
		"package":  "storage",
	}).Debug("Circle deleted")
	return nil
}
