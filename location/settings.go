package location

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultUpdateInterval is how often a fix is shared.
	DefaultUpdateInterval = 5 * time.Minute
	// MinUpdateInterval and MaxUpdateInterval bound the configurable interval.
	MinUpdateInterval = 5 * time.Minute
	MaxUpdateInterval = 60 * time.Minute
)

// ErrInvalidInterval is returned for update intervals outside the allowed range.
var ErrInvalidInterval = errors.New("invalid update interval")

// Settings controls outbound location sharing.
type Settings struct {
	Precision      Precision
	UpdateInterval time.Duration
	// IncludeGeohashTag adds a truncated g tag to outer events. Off by
	// default.
	IncludeGeohashTag bool
}

// DefaultSettings returns the privacy-first defaults.
func DefaultSettings() Settings {
	return Settings{
		Precision:      DefaultPrecision,
		UpdateInterval: DefaultUpdateInterval,
	}
}

// Validate checks the interval range and precision.
func (s Settings) Validate() error {
	if s.UpdateInterval < MinUpdateInterval || s.UpdateInterval > MaxUpdateInterval {
		return fmt.Errorf("%w: %s not within [%s, %s]", ErrInvalidInterval, s.UpdateInterval, MinUpdateInterval, MaxUpdateInterval)
	}
	if _, err := s.Precision.MarshalText(); err != nil {
		return err
	}
	return nil
}
