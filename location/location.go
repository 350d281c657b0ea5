package location

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/opd-ai/haven/crypto"
	"github.com/sirupsen/logrus"
)

const (
	// GeohashPrecision is the number of geohash characters computed for a
	// fix (cells of roughly 19 m by 38 m).
	GeohashPrecision = 8

	// DefaultExpiry is how long a shared point stays valid.
	DefaultExpiry = 24 * time.Hour
)

// PrivateMetadata holds sensor details that stay on the device.
type PrivateMetadata struct {
	DeviceID string
	Accuracy *float64
	Altitude *float64
	Speed    *float64
	Heading  *float64
}

// Location is an obfuscated fix. Only the tagged fields are serialized.
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Geohash   string    `json:"geohash"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expires_at"`
	Precision Precision `json:"precision"`

	Metadata *PrivateMetadata `json:"-"`
}

// Obfuscator rounds raw fixes to a fixed precision.
type Obfuscator struct {
	precision    Precision
	timeProvider crypto.TimeProvider
}

// NewObfuscator creates an obfuscator. A nil time provider uses the wall
// clock.
func NewObfuscator(precision Precision, tp crypto.TimeProvider) *Obfuscator {
	return &Obfuscator{
		precision:    Precision(precision.Decimals()),
		timeProvider: crypto.OrDefault(tp),
	}
}

// Precision returns the configured precision.
func (o *Obfuscator) Precision() Precision {
	return o.precision
}

// Obfuscate produces a Location from a raw fix.
func (o *Obfuscator) Obfuscate(lat, lon float64) *Location {
	now := o.timeProvider.Now().UTC().Truncate(time.Second)

	lat = sanitize(lat, 90, "latitude")
	lon = sanitize(lon, 180, "longitude")

	decimals := o.precision.Decimals()
	lat = roundTo(lat, decimals)
	lon = roundTo(lon, decimals)

	return &Location{
		Latitude:  lat,
		Longitude: lon,
		Geohash:   geohash.EncodeWithPrecision(lat, lon, GeohashPrecision),
		Timestamp: now,
		ExpiresAt: now.Add(DefaultExpiry),
		Precision: o.precision,
	}
}

// Obfuscate is a convenience wrapper using the wall clock.
func Obfuscate(lat, lon float64, precision Precision) *Location {
	return NewObfuscator(precision, nil).Obfuscate(lat, lon)
}

// sanitize replaces non-finite or out-of-range values with 0.0.
func sanitize(v, bound float64, name string) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < -bound || v > bound {
		logrus.WithFields(logrus.Fields{
			"function": "Obfuscate",
			"package":  "location",
			"field":    name,
		}).Warn("Invalid coordinate replaced with 0.0")
		return 0.0
	}
	return v
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}

// WithMetadata attaches device metadata in memory and returns l.
func (l *Location) WithMetadata(m *PrivateMetadata) *Location {
	l.Metadata = m
	return l
}

// IsExpired reports whether the current time is past ExpiresAt.
func (l *Location) IsExpired() bool {
	return l.IsExpiredAt(time.Now())
}

// IsExpiredAt reports whether now is past ExpiresAt, at one-second
// resolution.
func (l *Location) IsExpiredAt(now time.Time) bool {
	return now.Unix() > l.ExpiresAt.Unix()
}

// GeohashPrefix returns at most n leading geohash characters.
func (l *Location) GeohashPrefix(n int) string {
	if n < 0 {
		n = 0
	}
	if n > len(l.Geohash) {
		n = len(l.Geohash)
	}
	return l.Geohash[:n]
}

// ToJSON serializes the public fields.
func (l *Location) ToJSON() ([]byte, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to encode location: %w", err)
	}
	return data, nil
}

// FromJSON parses a Location produced by ToJSON.
func FromJSON(data []byte) (*Location, error) {
	var l Location
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to decode location: %w", err)
	}
	return &l, nil
}

// String omits coordinates so fixes never end up in logs by accident.
func (l *Location) String() string {
	return fmt.Sprintf("Location{precision: %s, expires_at: %d}", l.Precision, l.ExpiresAt.Unix())
}
