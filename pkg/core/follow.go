// pkg/core/follow.go
package core

import (
	"errors"
	"fmt"
	"math"
)

// AltitudeReference selects how follow altitudes are interpreted.
type AltitudeReference uint8

const (
	AltitudeRelativeToHome AltitudeReference = iota
	AltitudeAbsoluteGPS
)

func (r AltitudeReference) String() string {
	if r == AltitudeAbsoluteGPS {
		return "absolute_gps"
	}
	return "relative_to_home"
}

// ParseAltitudeReference accepts the names produced by String.
func ParseAltitudeReference(s string) (AltitudeReference, error) {
	switch s {
	case "", "relative_to_home", "relative":
		return AltitudeRelativeToHome, nil
	case "absolute_gps", "absolute", "amsl":
		return AltitudeAbsoluteGPS, nil
	default:
		return 0, fmt.Errorf("unknown altitude reference %q", s)
	}
}

// ControlMode is how the main vehicle is being controlled once airborne.
type ControlMode uint8

const (
	ControlNone ControlMode = iota
	ControlOffboard
	ControlFollowMe
)

func (m ControlMode) String() string {
	switch m {
	case ControlOffboard:
		return "offboard"
	case ControlFollowMe:
		return "follow_me"
	default:
		return "none"
	}
}

// ParseControlMode accepts the names produced by String.
func ParseControlMode(s string) (ControlMode, error) {
	switch s {
	case "offboard":
		return ControlOffboard, nil
	case "follow_me", "follow":
		return ControlFollowMe, nil
	default:
		return ControlNone, fmt.Errorf("unknown control mode %q", s)
	}
}

// FollowGeometry describes where the main vehicle sits relative to the target.
type FollowGeometry struct {
	MinHeightMeters        float64
	StandoffDistanceMeters float64
	// ApproachAngleDegrees is a compass bearing from the target to the follower;
	// 180 places the follower due south of the target.
	ApproachAngleDegrees float64
	// Responsiveness is a gain in (0,1]; 1 jumps straight to each new setpoint.
	Responsiveness    float64
	AltitudeReference AltitudeReference
}

// DefaultFollowGeometry follows from behind at 12 m.
func DefaultFollowGeometry() FollowGeometry {
	return FollowGeometry{
		MinHeightMeters:        12,
		StandoffDistanceMeters: 8,
		ApproachAngleDegrees:   180,
		Responsiveness:         0.5,
		AltitudeReference:      AltitudeRelativeToHome,
	}
}

// ErrInvalidGeometry is returned by FollowGeometry.Validate.
var ErrInvalidGeometry = errors.New("invalid follow geometry")

// Validate checks every field is a number in range. A responsiveness of zero
// would hold the first setpoint forever, so it is rejected.
func (g FollowGeometry) Validate() error {
	fields := []struct {
		name string
		v    float64
	}{
		{"minimum height", g.MinHeightMeters},
		{"standoff distance", g.StandoffDistanceMeters},
		{"approach angle", g.ApproachAngleDegrees},
		{"responsiveness", g.Responsiveness},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%w: %s is not a finite number", ErrInvalidGeometry, f.name)
		}
	}
	switch {
	case g.MinHeightMeters < 0:
		return fmt.Errorf("%w: minimum height %.2f is negative", ErrInvalidGeometry, g.MinHeightMeters)
	case g.StandoffDistanceMeters < 0:
		return fmt.Errorf("%w: standoff distance %.2f is negative", ErrInvalidGeometry, g.StandoffDistanceMeters)
	case g.ApproachAngleDegrees < -360 || g.ApproachAngleDegrees > 360:
		return fmt.Errorf("%w: approach angle %.2f out of range", ErrInvalidGeometry, g.ApproachAngleDegrees)
	case g.Responsiveness <= 0 || g.Responsiveness > 1:
		return fmt.Errorf("%w: responsiveness %.2f not in (0,1]", ErrInvalidGeometry, g.Responsiveness)
	}
	return nil
}

// Setpoint is a global position command. Altitude is interpreted per Reference.
type Setpoint struct {
	Latitude   float64
	Longitude  float64
	Altitude   float64
	YawDegrees float64
	Reference  AltitudeReference
}

func (s Setpoint) String() string {
	return fmt.Sprintf("(%.7f, %.7f, %.2fm %s, yaw %.1f)", s.Latitude, s.Longitude, s.Altitude, s.Reference, s.YawDegrees)
}
