package location

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/opd-ai/haven/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObfuscatePrecision(t *testing.T) {
	tests := []struct {
		name      string
		precision Precision
		wantLat   float64
		wantLon   float64
	}{
		{"enhanced", Enhanced, 37.77493, -122.41942},
		{"standard", Standard, 37.7749, -122.4194},
		{"private", Private, 37.77, -122.42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc := Obfuscate(37.7749295, -122.4194155, tt.precision)
			assert.InDelta(t, tt.wantLat, loc.Latitude, 1e-9)
			assert.InDelta(t, tt.wantLon, loc.Longitude, 1e-9)
			assert.Len(t, loc.Geohash, GeohashPrecision)
			assert.Equal(t, tt.precision, loc.Precision)
		})
	}
}

func TestObfuscateGeohashMatchesRoundedPoint(t *testing.T) {
	loc := Obfuscate(37.7749295, -122.4194155, Private)
	assert.Equal(t, geohash.EncodeWithPrecision(37.77, -122.42, 8), loc.Geohash)
	assert.True(t, strings.HasPrefix(loc.Geohash, "9q8y"))
}

func TestObfuscateClampsInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		lat     float64
		lon     float64
		wantLat float64
		wantLon float64
	}{
		{"nan latitude", math.NaN(), 10, 0, 10},
		{"inf longitude", 10, math.Inf(1), 10, 0},
		{"negative inf", math.Inf(-1), math.Inf(-1), 0, 0},
		{"latitude too high", 90.1, 5, 0, 5},
		{"latitude too low", -91, 5, 0, 5},
		{"longitude too high", 5, 180.5, 5, 0},
		{"longitude too low", 5, -181, 5, 0},
		{"boundaries kept", 90, -180, 90, -180},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc := Obfuscate(tt.lat, tt.lon, Enhanced)
			assert.Equal(t, tt.wantLat, loc.Latitude)
			assert.Equal(t, tt.wantLon, loc.Longitude)
			assert.Len(t, loc.Geohash, GeohashPrecision)
		})
	}
}

func TestObfuscateExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o := NewObfuscator(Enhanced, crypto.FixedTimeProvider{T: now})

	loc := o.Obfuscate(1, 1)
	assert.True(t, loc.Timestamp.Equal(now))
	assert.True(t, loc.ExpiresAt.Equal(now.Add(24*time.Hour)))
}

func TestIsExpiredAtSecondResolution(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	loc := NewObfuscator(Enhanced, crypto.FixedTimeProvider{T: now}).Obfuscate(1, 1)

	assert.False(t, loc.IsExpiredAt(loc.ExpiresAt.Add(-time.Second)))
	assert.False(t, loc.IsExpiredAt(loc.ExpiresAt), "equal is not expired")
	assert.False(t, loc.IsExpiredAt(loc.ExpiresAt.Add(999*time.Millisecond)), "same second is not expired")
	assert.True(t, loc.IsExpiredAt(loc.ExpiresAt.Add(time.Second)))
	assert.False(t, Obfuscate(1, 1, Enhanced).IsExpired())
}

func TestJSONRoundtripPublicFieldsOnly(t *testing.T) {
	accuracy := 3.5
	loc := Obfuscate(37.7749295, -122.4194155, Standard).WithMetadata(&PrivateMetadata{
		DeviceID: "device-secret-id",
		Accuracy: &accuracy,
	})

	data, err := loc.ToJSON()
	require.NoError(t, err)

	s := string(data)
	assert.NotContains(t, s, "device-secret-id")
	assert.NotContains(t, s, "accuracy")
	assert.NotContains(t, s, "Metadata")
	assert.Contains(t, s, `"precision":"standard"`)

	decoded, err := FromJSON(data)
	require.NoError(t, err)
	assert.Nil(t, decoded.Metadata)
	assert.Equal(t, loc.Latitude, decoded.Latitude)
	assert.Equal(t, loc.Longitude, decoded.Longitude)
	assert.Equal(t, loc.Geohash, decoded.Geohash)
	assert.Equal(t, loc.Precision, decoded.Precision)
	assert.True(t, loc.Timestamp.Equal(decoded.Timestamp))
	assert.True(t, loc.ExpiresAt.Equal(decoded.ExpiresAt))
}

func TestFromJSONRejectsGarbage(t *testing.T) {
	_, err := FromJSON([]byte("{not json"))
	assert.Error(t, err)

	_, err = FromJSON([]byte(`{"precision":"exact"}`))
	assert.ErrorIs(t, err, ErrInvalidPrecision)
}

func TestGeohashPrefix(t *testing.T) {
	loc := &Location{Geohash: "9q8yyk8y"}
	assert.Equal(t, "9q8yy", loc.GeohashPrefix(5))
	assert.Equal(t, "9q8yyk8y", loc.GeohashPrefix(20))
	assert.Equal(t, "", loc.GeohashPrefix(-1))
}

func TestStringHidesCoordinates(t *testing.T) {
	loc := Obfuscate(37.7749295, -122.4194155, Enhanced)
	s := loc.String()
	assert.NotContains(t, s, "37.77")
	assert.NotContains(t, s, "122.41")
}
