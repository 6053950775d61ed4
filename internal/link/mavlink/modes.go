package mavlink

import "github.com/neostellar/tracker/pkg/core"

// PX4 main modes, carried in bits 16-23 of the heartbeat custom mode.
const (
	px4Manual   = 1
	px4Altctl   = 2
	px4Posctl   = 3
	px4Auto     = 4
	px4Acro     = 5
	px4Offboard = 6
)

// PX4 auto sub-modes, carried in bits 24-31.
const (
	px4AutoReady   = 1
	px4AutoTakeoff = 2
	px4AutoLoiter  = 3
	px4AutoMission = 4
	px4AutoRTL     = 5
	px4AutoLand    = 6
	px4AutoFollow  = 8
)

type px4Mode struct {
	main uint8
	sub  uint8
}

func splitCustomMode(customMode uint32) px4Mode {
	return px4Mode{
		main: uint8(customMode >> 16),
		sub:  uint8(customMode >> 24),
	}
}

func (m px4Mode) customMode() uint32 {
	return uint32(m.main)<<16 | uint32(m.sub)<<24
}

// decodeMode maps a PX4 custom mode to a flight mode.
func decodeMode(customMode uint32) core.FlightMode {
	m := splitCustomMode(customMode)
	switch m.main {
	case px4Manual, px4Acro:
		return core.FlightModeManual
	case px4Altctl:
		return core.FlightModeAltitude
	case px4Posctl:
		return core.FlightModePosition
	case px4Offboard:
		return core.FlightModeOffboard
	case px4Auto:
		switch m.sub {
		case px4AutoTakeoff:
			return core.FlightModeTakeoff
		case px4AutoLoiter, px4AutoReady:
			return core.FlightModeHold
		case px4AutoMission:
			return core.FlightModeMission
		case px4AutoRTL:
			return core.FlightModeReturnToLaunch
		case px4AutoLand:
			return core.FlightModeLand
		case px4AutoFollow:
			return core.FlightModeFollowMe
		}
	}
	return core.FlightModeUnknown
}

var (
	modeOffboard = px4Mode{main: px4Offboard}
	modeHold     = px4Mode{main: px4Auto, sub: px4AutoLoiter}
	modeFollow   = px4Mode{main: px4Auto, sub: px4AutoFollow}
)
