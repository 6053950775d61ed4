package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffset_NorthAndEast(t *testing.T) {
	tests := []struct {
		name        string
		lat, lon    float64
		north, east float64
	}{
		{"equator north", 0, 0, 100, 0},
		{"mid latitude east", 45, 10, 0, 50},
		{"diagonal", 10, 20, 30, -40},
		{"southern hemisphere", -33.9, 151.2, -25, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lat, lon := Offset(tt.lat, tt.lon, tt.north, tt.east)
			want := math.Hypot(tt.north, tt.east)
			d, err := Distance(tt.lat, tt.lon, lat, lon)
			require.NoError(t, err)
			assert.InDelta(t, want, d, 0.05)
		})
	}
}

func TestOffset_DirectionKeepsLongitudeOnNorthMove(t *testing.T) {
	lat, lon := Offset(47.0, 8.0, 500, 0)
	assert.Greater(t, lat, 47.0)
	assert.InDelta(t, 8.0, lon, 1e-9)
}

func TestOffsetBearing(t *testing.T) {
	tests := []struct {
		bearing float64
	}{{0}, {45}, {90}, {180}, {270}, {315}}

	for _, tt := range tests {
		lat, lon := OffsetBearing(10, 20, 20, tt.bearing)
		d, err := Distance(10, 20, lat, lon)
		require.NoError(t, err)
		assert.InDelta(t, 20, d, 0.02, "bearing %v", tt.bearing)
		assert.InDelta(t, NormalizeDegrees(tt.bearing), Bearing(10, 20, lat, lon), 0.01, "bearing %v", tt.bearing)
	}
}

func TestOffsetBearing_BehindIsSouth(t *testing.T) {
	lat, lon := OffsetBearing(10, 20, 20, 180)
	assert.Less(t, lat, 10.0)
	assert.InDelta(t, 20.0, lon, 1e-9)
}

func TestDistance_SamePoint(t *testing.T) {
	d, err := Distance(51.5, -0.12, 51.5, -0.12)
	require.NoError(t, err)
	assert.InDelta(t, 0, d, 1e-9)
}

func TestDistance_InvalidCoordinates(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
	}{
		{"nan latitude", math.NaN(), 20, 10, 20},
		{"nan longitude", 10, 20, 10, math.NaN()},
		{"infinite longitude", 10, math.Inf(1), 10, 20},
		{"pole", 90, 0, 10, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Distance(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.ErrorIs(t, err, ErrInvalidCoordinates)
			assert.Zero(t, d)
		})
	}
}

func TestNormalizeDegrees(t *testing.T) {
	assert.Equal(t, 0.0, NormalizeDegrees(360))
	assert.Equal(t, 270.0, NormalizeDegrees(-90))
	assert.Equal(t, 10.0, NormalizeDegrees(730))
}

func TestPositionFromString(t *testing.T) {
	p, err := PositionFromString("10.5,20.25,50")
	require.NoError(t, err)
	assert.Equal(t, 10.5, p.Latitude)
	assert.Equal(t, 20.25, p.Longitude)
	assert.Equal(t, 50.0, p.Altitude)
	assert.Equal(t, 50.0, p.RelativeAltitude)
	assert.True(t, p.Valid)

	p, err = PositionFromString(" -33.9 , 151.2 ")
	require.NoError(t, err)
	assert.Equal(t, -33.9, p.Latitude)
	assert.Equal(t, 0.0, p.Altitude)
}

func TestPositionFromString_Invalid(t *testing.T) {
	for _, in := range []string{"", "10", "a,b", "10,abc", "10,20,x", "91,0", "0,181", "1,2,3,4"} {
		_, err := PositionFromString(in)
		assert.ErrorIs(t, err, ErrInvalidCoordinates, "input %q", in)
	}
}
