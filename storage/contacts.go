package storage

import (
	"context"

	"github.com/opd-ai/haven/crypto"
	"github.com/opd-ai/haven/limits"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// SaveContact inserts c or updates it. An existing created_at is kept and
// updated_at is always refreshed.
func (s *Store) SaveContact(ctx context.Context, c *Contact) error {
	if !crypto.IsValidPublicKey(c.Pubkey) {
		return errors.Wrap(crypto.ErrInvalidPubkey, "store.SaveContact")
	}
	if err := limits.ValidateDisplayName(c.DisplayName); err != nil {
		return errors.Wrap(ErrInvalidData, err.Error())
	}
	if len(c.Notes) > limits.MaxNotesLength {
		return errors.Wrap(ErrInvalidData, "notes too long")
	}
	now := s.now()
	c.CreatedAt = now
	c.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.NewInsert().
		Model(c).
		On("CONFLICT (pubkey) DO UPDATE").
		Set("display_name = EXCLUDED.display_name").
		Set("avatar_path = EXCLUDED.avatar_path").
		Set("notes = EXCLUDED.notes").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("created_at").
		Exec(ctx)
	if err != nil {
		return dbError(err, "store.SaveContact.Upsert")
	}
	return nil
}

// GetContact returns one contact.
func (s *Store) GetContact(ctx context.Context, pubkey string) (*Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := new(Contact)
	if err := s.db.NewSelect().Model(c).Where("ct.pubkey = ?", pubkey).Scan(ctx); err != nil {
		return nil, dbError(err, "store.GetContact.Scan")
	}
	return c, nil
}

// GetContacts returns the contacts among pubkeys, keyed by pubkey.
func (s *Store) GetContacts(ctx context.Context, pubkeys []string) (map[string]*Contact, error) {
	out := make(map[string]*Contact)
	if len(pubkeys) == 0 {
		return out, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var contacts []*Contact
	if err := s.db.NewSelect().
		Model(&contacts).
		Where("ct.pubkey IN (?)", bun.In(pubkeys)).
		Scan(ctx); err != nil {
		return nil, dbError(err, "store.GetContacts.Scan")
	}
	for _, c := range contacts {
		out[c.Pubkey] = c
	}
	return out, nil
}

// ListContacts returns all contacts by display name, unnamed last, then by
// pubkey.
func (s *Store) ListContacts(ctx context.Context) ([]*Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var contacts []*Contact
	if err := s.db.NewSelect().
		Model(&contacts).
		OrderExpr("ct.display_name IS NULL, ct.display_name ASC, ct.pubkey ASC").
		Scan(ctx); err != nil {
		return nil, dbError(err, "store.ListContacts.Scan")
	}
	return contacts, nil
}

// DeleteContact removes a contact.
func (s *Store) DeleteContact(ctx context.Context, pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.NewDelete().Model((*Contact)(nil)).Where("pubkey = ?", pubkey).Exec(ctx)
	if err != nil {
		return dbError(err, "store.DeleteContact.Delete")
	}
	return requireAffected(res, "store.DeleteContact")
}
