package storage

import (
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrStorage is returned when the database file cannot be opened or
	// migrated.
	ErrStorage = errors.New("storage error")
	// ErrDatabase wraps failed statements.
	ErrDatabase = errors.New("database error")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidData is returned for rows or arguments that fail validation.
	ErrInvalidData = errors.New("invalid data")
)

// dbError tags a driver error with ErrDatabase, or ErrNotFound for empty
// results, and records where it happened.
func dbError(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(ErrNotFound, op)
	}
	return errors.Wrap(fmt.Errorf("%w: %v", ErrDatabase, err), op)
}
