package circle

import (
	"context"
	"errors"

	"github.com/opd-ai/haven/crypto"
	"github.com/opd-ai/haven/storage"
)

// SetContact creates or updates a local contact. created_at survives
// updates.
func (m *Manager) SetContact(ctx context.Context, pubkey, displayName, avatarPath, notes string) (*storage.Contact, error) {
	c := &storage.Contact{
		Pubkey:      pubkey,
		DisplayName: displayName,
		AvatarPath:  avatarPath,
		Notes:       notes,
	}
	if err := m.store.SaveContact(ctx, c); err != nil {
		if errors.Is(err, storage.ErrInvalidData) || errors.Is(err, crypto.ErrInvalidPubkey) {
			return nil, err
		}
		return nil, storageError(err)
	}
	return m.GetContact(ctx, pubkey)
}

// GetContact returns one contact.
func (m *Manager) GetContact(ctx context.Context, pubkey string) (*storage.Contact, error) {
	c, err := m.store.GetContact(ctx, pubkey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, storageError(err)
	}
	return c, nil
}

// ListContacts returns all contacts ordered by name.
func (m *Manager) ListContacts(ctx context.Context) ([]*storage.Contact, error) {
	contacts, err := m.store.ListContacts(ctx)
	return contacts, storageError(err)
}

// DeleteContact removes a contact.
func (m *Manager) DeleteContact(ctx context.Context, pubkey string) error {
	err := m.store.DeleteContact(ctx, pubkey)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrContactNotFound
	}
	return storageError(err)
}
