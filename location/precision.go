package location

import (
	"errors"
	"fmt"
	"strings"
)

// Precision is the number of decimal places kept when rounding coordinates.
type Precision int

const (
	// Private keeps 2 decimals (about 1.1 km).
	Private Precision = 2
	// Standard keeps 4 decimals (about 11 m).
	Standard Precision = 4
	// Enhanced keeps 5 decimals (about 1.1 m).
	Enhanced Precision = 5
)

// DefaultPrecision is used when nothing else is configured.
const DefaultPrecision = Enhanced

// ErrInvalidPrecision is returned when parsing an unknown precision name.
var ErrInvalidPrecision = errors.New("invalid location precision")

// Decimals returns the number of decimal places, falling back to the
// default for unknown values.
func (p Precision) Decimals() int {
	switch p {
	case Private, Standard, Enhanced:
		return int(p)
	default:
		return int(DefaultPrecision)
	}
}

// String returns the lowercase name used in configuration and JSON.
func (p Precision) String() string {
	switch p {
	case Private:
		return "private"
	case Standard:
		return "standard"
	case Enhanced:
		return "enhanced"
	default:
		return fmt.Sprintf("precision(%d)", int(p))
	}
}

// ParsePrecision maps a name to a Precision. Matching ignores case.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "private":
		return Private, nil
	case "standard":
		return Standard, nil
	case "enhanced", "":
		return Enhanced, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPrecision, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Precision) MarshalText() ([]byte, error) {
	switch p {
	case Private, Standard, Enhanced:
		return []byte(p.String()), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidPrecision, int(p))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Precision) UnmarshalText(text []byte) error {
	parsed, err := ParsePrecision(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
