package circle

import (
	"errors"
	"fmt"

	"github.com/opd-ai/haven/storage"
)

var (
	// ErrMls tags failures of the group layer.
	ErrMls = errors.New("mls error")
	// ErrStorage tags failures of the circle database.
	ErrStorage = errors.New("storage error")
	// ErrNotFound is returned for unknown circles.
	ErrNotFound = errors.New("circle not found")
	// ErrAlreadyExists is returned when a circle is already known.
	ErrAlreadyExists = errors.New("circle already exists")
	// ErrMembershipConflict is returned when a membership is not in the
	// state an operation requires.
	ErrMembershipConflict = errors.New("membership conflict")
	// ErrContactNotFound is returned for unknown contacts.
	ErrContactNotFound = errors.New("contact not found")
)

func mlsError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrMls, err)
}

func storageError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
