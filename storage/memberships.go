package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// SaveMembership inserts m or replaces the existing row for its circle.
func (s *Store) SaveMembership(ctx context.Context, m *Membership) error {
	if err := requireID(m.MLSGroupID); err != nil {
		return err
	}
	if !m.Status.Valid() {
		return errors.Wrapf(ErrInvalidData, "membership status %q", m.Status)
	}
	if m.InvitedAt.IsZero() {
		m.InvitedAt = s.now()
	}
	m.InvitedAt = m.InvitedAt.UTC()
	m.RespondedAt = m.RespondedAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.NewInsert().
		Model(m).
		On("CONFLICT (mls_group_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("inviter_pubkey = EXCLUDED.inviter_pubkey").
		Set("invited_at = EXCLUDED.invited_at").
		Set("responded_at = EXCLUDED.responded_at").
		Exec(ctx)
	if err != nil {
		return dbError(err, "store.SaveMembership.Upsert")
	}
	return nil
}

// GetMembership returns the membership of a circle.
func (s *Store) GetMembership(ctx context.Context, id []byte) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := new(Membership)
	if err := s.db.NewSelect().Model(m).Where("m.mls_group_id = ?", id).Scan(ctx); err != nil {
		return nil, dbError(err, "store.GetMembership.Scan")
	}
	if !m.Status.Valid() {
		return nil, errors.Wrapf(ErrInvalidData, "stored membership status %q", m.Status)
	}
	return m, nil
}

// UpdateMembershipStatus sets status and responded_at, but only while the
// row is still in status from. It returns ErrNotFound when no row matches
// in either case; callers read the row first to tell the two apart.
func (s *Store) UpdateMembershipStatus(ctx context.Context, id []byte, from, to MembershipStatus, respondedAt time.Time) error {
	if !to.Valid() {
		return errors.Wrapf(ErrInvalidData, "membership status %q", to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.NewUpdate().
		Model((*Membership)(nil)).
		Set("status = ?", to).
		Set("responded_at = ?", respondedAt.UTC()).
		Where("mls_group_id = ?", id).
		Where("status = ?", from).
		Exec(ctx)
	if err != nil {
		return dbError(err, "store.UpdateMembershipStatus.Update")
	}
	return requireAffected(res, "store.UpdateMembershipStatus")
}

// ListMemberships returns memberships with the given status.
func (s *Store) ListMemberships(ctx context.Context, status MembershipStatus) ([]*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Membership
	if err := s.db.NewSelect().
		Model(&out).
		Where("m.status = ?", status).
		Order("m.invited_at DESC").
		Scan(ctx); err != nil {
		return nil, dbError(err, "store.ListMemberships.Scan")
	}
	return out, nil
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return dbError(err, op+".RowsAffected")
	}
	if n == 0 {
		return errors.Wrap(ErrNotFound, op)
	}
	return nil
}
