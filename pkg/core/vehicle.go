// pkg/core/vehicle.go
package core

import (
	"fmt"
	"math"
	"time"
)

// VehicleID is the link-assigned identifier of a vehicle (the MAVLink system id
// on a MAVLink link). It is opaque to everything above the link.
type VehicleID int

// Role is the part a vehicle plays in a session.
type Role uint8

const (
	RoleOther Role = iota
	RoleMain
	RoleTarget
)

func (r Role) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleTarget:
		return "target"
	default:
		return "other"
	}
}

// Position is a WGS84 position. Altitude is above mean sea level,
// RelativeAltitude is above the vehicle's home.
// Valid is false for a position that was never reported.
type Position struct {
	Latitude         float64
	Longitude        float64
	Altitude         float64
	RelativeAltitude float64
	Valid            bool
}

func (p Position) String() string {
	if !p.Valid {
		return "(unknown)"
	}
	return fmt.Sprintf("(%.7f, %.7f, %.2fm amsl, %.2fm rel)", p.Latitude, p.Longitude, p.Altitude, p.RelativeAltitude)
}

// Velocity is a NED velocity in m/s.
type Velocity struct {
	North float64
	East  float64
	Down  float64
}

// GroundSpeed returns the horizontal speed in m/s.
func (v Velocity) GroundSpeed() float64 {
	return math.Hypot(v.North, v.East)
}

// Health summarises the pre-flight checks reported by the autopilot.
type Health struct {
	SensorsOK        bool
	GlobalPositionOK bool
	HomePositionOK   bool
}

// AllOK is true when the vehicle is ready to arm.
func (h Health) AllOK() bool {
	return h.SensorsOK && h.GlobalPositionOK && h.HomePositionOK
}

// LandedState mirrors the autopilot's landed state detector.
type LandedState uint8

const (
	LandedUnknown LandedState = iota
	LandedOnGround
	LandedInAir
	LandedTakingOff
	LandedLanding
)

func (s LandedState) String() string {
	switch s {
	case LandedOnGround:
		return "on_ground"
	case LandedInAir:
		return "in_air"
	case LandedTakingOff:
		return "taking_off"
	case LandedLanding:
		return "landing"
	default:
		return "unknown"
	}
}

// InAir reports whether the landed state means the vehicle is off the ground.
func (s LandedState) InAir() bool {
	return s == LandedInAir || s == LandedTakingOff || s == LandedLanding
}

// FlightMode is the autopilot flight mode, reduced to the modes this program cares about.
type FlightMode uint8

const (
	FlightModeUnknown FlightMode = iota
	FlightModeManual
	FlightModeHold
	FlightModeTakeoff
	FlightModeLand
	FlightModeMission
	FlightModeReturnToLaunch
	FlightModeOffboard
	FlightModeFollowMe
	FlightModePosition
	FlightModeAltitude
)

var flightModeNames = map[FlightMode]string{
	FlightModeUnknown:        "unknown",
	FlightModeManual:         "manual",
	FlightModeHold:           "hold",
	FlightModeTakeoff:        "takeoff",
	FlightModeLand:           "land",
	FlightModeMission:        "mission",
	FlightModeReturnToLaunch: "rtl",
	FlightModeOffboard:       "offboard",
	FlightModeFollowMe:       "follow_me",
	FlightModePosition:       "position",
	FlightModeAltitude:       "altitude",
}

func (m FlightMode) String() string {
	if s, ok := flightModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// Topic identifies one telemetry stream of a vehicle.
type Topic uint8

const (
	TopicPosition Topic = iota
	TopicHealth
	TopicLandedState
	TopicFlightMode
	TopicArmed
)

// Topics lists every telemetry stream a registered vehicle subscribes to.
var Topics = []Topic{TopicPosition, TopicHealth, TopicLandedState, TopicFlightMode, TopicArmed}

func (t Topic) String() string {
	switch t {
	case TopicPosition:
		return "position"
	case TopicHealth:
		return "health"
	case TopicLandedState:
		return "landed_state"
	case TopicFlightMode:
		return "flight_mode"
	case TopicArmed:
		return "armed"
	default:
		return fmt.Sprintf("topic(%d)", uint8(t))
	}
}

// Telemetry is one sample delivered on a topic. Only the fields belonging to
// Topic are meaningful.
type Telemetry struct {
	VehicleID   VehicleID
	Topic       Topic
	Time        time.Time
	Position    Position
	Velocity    Velocity
	Health      Health
	LandedState LandedState
	FlightMode  FlightMode
	Armed       bool
}
