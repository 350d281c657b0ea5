package mls

import (
	"errors"
	"fmt"

	"github.com/opd-ai/haven/mdk"
)

var (
	// ErrMdk wraps errors from the key-agreement kit.
	ErrMdk = errors.New("mls error")
	// ErrGroupNotFound is returned for unknown groups.
	ErrGroupNotFound = errors.New("group not found")
	// ErrInvalidWelcome is returned for welcomes that cannot be processed.
	ErrInvalidWelcome = errors.New("invalid welcome")
	// ErrEpochMismatch is returned by ValidateEpoch.
	ErrEpochMismatch = errors.New("epoch mismatch")
)

// ExporterSecretUnavailableError is returned when the exporter secret of
// an epoch is no longer (or not yet) known.
type ExporterSecretUnavailableError struct {
	Epoch uint64
}

func (e *ExporterSecretUnavailableError) Error() string {
	return fmt.Sprintf("exporter secret unavailable for epoch %d", e.Epoch)
}

// wrap re-tags a kit error at the package boundary.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, mdk.ErrGroupNotFound):
		return fmt.Errorf("%w: %v", ErrGroupNotFound, err)
	case errors.Is(err, mdk.ErrInvalidWelcome), errors.Is(err, mdk.ErrKeyPackageNotFound):
		return fmt.Errorf("%w: %v", ErrInvalidWelcome, err)
	default:
		return fmt.Errorf("%w: %w", ErrMdk, err)
	}
}
