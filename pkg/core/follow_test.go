package core

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFollowGeometry_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*FollowGeometry)
		ok     bool
	}{
		{"defaults", func(*FollowGeometry) {}, true},
		{"zero distance", func(g *FollowGeometry) { g.StandoffDistanceMeters = 0 }, true},
		{"negative height", func(g *FollowGeometry) { g.MinHeightMeters = -1 }, false},
		{"negative distance", func(g *FollowGeometry) { g.StandoffDistanceMeters = -0.1 }, false},
		{"angle too large", func(g *FollowGeometry) { g.ApproachAngleDegrees = 361 }, false},
		{"negative angle", func(g *FollowGeometry) { g.ApproachAngleDegrees = -90 }, true},
		{"responsiveness above one", func(g *FollowGeometry) { g.Responsiveness = 1.01 }, false},
		{"responsiveness one", func(g *FollowGeometry) { g.Responsiveness = 1 }, true},
		{"responsiveness zero", func(g *FollowGeometry) { g.Responsiveness = 0 }, false},
		{"nan height", func(g *FollowGeometry) { g.MinHeightMeters = math.NaN() }, false},
		{"nan distance", func(g *FollowGeometry) { g.StandoffDistanceMeters = math.NaN() }, false},
		{"nan angle", func(g *FollowGeometry) { g.ApproachAngleDegrees = math.NaN() }, false},
		{"nan responsiveness", func(g *FollowGeometry) { g.Responsiveness = math.NaN() }, false},
		{"infinite distance", func(g *FollowGeometry) { g.StandoffDistanceMeters = math.Inf(1) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := DefaultFollowGeometry()
			tt.modify(&g)
			err := g.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidGeometry)
			}
		})
	}
}

func TestFollowGeometry_ZeroValueInvalid(t *testing.T) {
	var g FollowGeometry
	assert.ErrorIs(t, g.Validate(), ErrInvalidGeometry)
}

func TestParseAltitudeReference(t *testing.T) {
	for in, want := range map[string]AltitudeReference{
		"":                 AltitudeRelativeToHome,
		"relative_to_home": AltitudeRelativeToHome,
		"absolute_gps":     AltitudeAbsoluteGPS,
		"amsl":             AltitudeAbsoluteGPS,
	} {
		got, err := ParseAltitudeReference(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		again, err := ParseAltitudeReference(got.String())
		require.NoError(t, err)
		assert.Equal(t, got, again)
	}
	_, err := ParseAltitudeReference("agl")
	assert.Error(t, err)
}

func TestParseControlMode(t *testing.T) {
	m, err := ParseControlMode("follow")
	require.NoError(t, err)
	assert.Equal(t, ControlFollowMe, m)

	m, err = ParseControlMode(ControlOffboard.String())
	require.NoError(t, err)
	assert.Equal(t, ControlOffboard, m)

	m, err = ParseControlMode("manual")
	assert.Error(t, err)
	assert.Equal(t, ControlNone, m)
}
