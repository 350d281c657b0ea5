package location

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParsePrecision(t *testing.T) {
	tests := []struct {
		in      string
		want    Precision
		wantErr bool
	}{
		{"private", Private, false},
		{"Standard", Standard, false},
		{"ENHANCED", Enhanced, false},
		{"", Enhanced, false},
		{"exact", 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePrecision(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidPrecision, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestPrecisionDecimals(t *testing.T) {
	assert.Equal(t, 2, Private.Decimals())
	assert.Equal(t, 4, Standard.Decimals())
	assert.Equal(t, 5, Enhanced.Decimals())
	assert.Equal(t, 5, Precision(7).Decimals())
}

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	assert.NoError(t, s.Validate())
	assert.Equal(t, Enhanced, s.Precision)
	assert.False(t, s.IncludeGeohashTag)

	s.UpdateInterval = 4 * time.Minute
	assert.ErrorIs(t, s.Validate(), ErrInvalidInterval)

	s.UpdateInterval = 61 * time.Minute
	assert.ErrorIs(t, s.Validate(), ErrInvalidInterval)

	s.UpdateInterval = time.Hour
	assert.NoError(t, s.Validate())

	s.Precision = Precision(3)
	assert.ErrorIs(t, s.Validate(), ErrInvalidPrecision)
}
