package mavlink

import (
	"math"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"github.com/neostellar/tracker/pkg/core"
)

// Follow-me parameters written by SetFollowConfig.
const (
	paramFollowHeight   = "FLW_TGT_HT"
	paramFollowDistance = "FLW_TGT_DST"
	paramFollowAngle    = "FLW_TGT_FA"
	paramFollowResponse = "FLW_TGT_RS"
)

// sensors that must be healthy before arming, when enabled
const requiredSensors = common.MAV_SYS_STATUS_SENSOR_3D_GYRO |
	common.MAV_SYS_STATUS_SENSOR_3D_ACCEL |
	common.MAV_SYS_STATUS_SENSOR_3D_MAG |
	common.MAV_SYS_STATUS_SENSOR_ABSOLUTE_PRESSURE

// position-only setpoint with yaw
const positionTypeMask = common.POSITION_TARGET_TYPEMASK_VX_IGNORE |
	common.POSITION_TARGET_TYPEMASK_VY_IGNORE |
	common.POSITION_TARGET_TYPEMASK_VZ_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AX_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AY_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AZ_IGNORE |
	common.POSITION_TARGET_TYPEMASK_YAW_RATE_IGNORE

// FOLLOW_TARGET capability bit for a valid position
const followCapPosition = 1

func degE7(v int32) float64 {
	return float64(v) / 1e7
}

func toDegE7(v float64) int32 {
	return int32(math.Round(v * 1e7))
}

func nan32() float32 {
	return float32(math.NaN())
}

func decodePosition(m *common.MessageGlobalPositionInt) (core.Position, core.Velocity) {
	return core.Position{
			Latitude:         degE7(m.Lat),
			Longitude:        degE7(m.Lon),
			Altitude:         float64(m.Alt) / 1000,
			RelativeAltitude: float64(m.RelativeAlt) / 1000,
			Valid:            true,
		}, core.Velocity{
			North: float64(m.Vx) / 100,
			East:  float64(m.Vy) / 100,
			Down:  float64(m.Vz) / 100,
		}
}

func decodeOrigin(m *common.MessageGpsGlobalOrigin) core.Position {
	return core.Position{
		Latitude:  degE7(m.Latitude),
		Longitude: degE7(m.Longitude),
		Altitude:  float64(m.Altitude) / 1000,
		Valid:     true,
	}
}

func decodeLandedState(s common.MAV_LANDED_STATE) core.LandedState {
	switch s {
	case common.MAV_LANDED_STATE_ON_GROUND:
		return core.LandedOnGround
	case common.MAV_LANDED_STATE_IN_AIR:
		return core.LandedInAir
	case common.MAV_LANDED_STATE_TAKEOFF:
		return core.LandedTakingOff
	case common.MAV_LANDED_STATE_LANDING:
		return core.LandedLanding
	default:
		return core.LandedUnknown
	}
}

func decodeHeartbeat(m *common.MessageHeartbeat) (armed bool, mode core.FlightMode) {
	armed = m.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0
	if m.BaseMode&common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED != 0 {
		mode = decodeMode(m.CustomMode)
	}
	return armed, mode
}

// sensorsHealthy checks the enabled required sensors report healthy.
func sensorsHealthy(m *common.MessageSysStatus) bool {
	enabled := m.OnboardControlSensorsEnabled & requiredSensors
	return m.OnboardControlSensorsHealth&enabled == enabled
}

func gpsFixOK(m *common.MessageGpsRawInt) bool {
	return m.FixType >= common.GPS_FIX_TYPE_3D_FIX
}

func commandLong(target core.VehicleID, cmd common.MAV_CMD, params ...float32) *common.MessageCommandLong {
	var p [7]float32
	copy(p[:], params)
	return &common.MessageCommandLong{
		TargetSystem:    uint8(target),
		TargetComponent: 1,
		Command:         cmd,
		Param1:          p[0],
		Param2:          p[1],
		Param3:          p[2],
		Param4:          p[3],
		Param5:          p[4],
		Param6:          p[5],
		Param7:          p[6],
	}
}

func setModeCommand(target core.VehicleID, mode px4Mode) *common.MessageCommandLong {
	return commandLong(target, common.MAV_CMD_DO_SET_MODE,
		float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED), float32(mode.main), float32(mode.sub))
}

func armCommand(target core.VehicleID, arm bool) *common.MessageCommandLong {
	var p1 float32
	if arm {
		p1 = 1
	}
	return commandLong(target, common.MAV_CMD_COMPONENT_ARM_DISARM, p1)
}

// takeoffCommand climbs to altitude above home. amslHome is NaN when home is
// unknown, in which case the autopilot uses its own takeoff altitude.
func takeoffCommand(target core.VehicleID, amslHome, altitude float64) *common.MessageCommandLong {
	alt := nan32()
	if !math.IsNaN(amslHome) {
		alt = float32(amslHome + altitude)
	}
	return commandLong(target, common.MAV_CMD_NAV_TAKEOFF, 0, 0, 0, nan32(), nan32(), nan32(), alt)
}

func landCommand(target core.VehicleID) *common.MessageCommandLong {
	return commandLong(target, common.MAV_CMD_NAV_LAND, 0, 0, 0, nan32(), nan32(), nan32(), nan32())
}

func requestMessageCommand(target core.VehicleID, id uint32) *common.MessageCommandLong {
	return commandLong(target, common.MAV_CMD_REQUEST_MESSAGE, float32(id))
}

func messageIntervalCommand(target core.VehicleID, id uint32, interval time.Duration) *common.MessageCommandLong {
	return commandLong(target, common.MAV_CMD_SET_MESSAGE_INTERVAL, float32(id), float32(interval.Microseconds()))
}

func positionTarget(target core.VehicleID, sp core.Setpoint, bootTime time.Time) *common.MessageSetPositionTargetGlobalInt {
	frame := common.MAV_FRAME_GLOBAL_RELATIVE_ALT_INT
	if sp.Reference == core.AltitudeAbsoluteGPS {
		frame = common.MAV_FRAME_GLOBAL_INT
	}
	return &common.MessageSetPositionTargetGlobalInt{
		TimeBootMs:      uint32(time.Since(bootTime).Milliseconds()),
		TargetSystem:    uint8(target),
		TargetComponent: 1,
		CoordinateFrame: frame,
		TypeMask:        positionTypeMask,
		LatInt:          toDegE7(sp.Latitude),
		LonInt:          toDegE7(sp.Longitude),
		Alt:             float32(sp.Altitude),
		Yaw:             float32(yawRadians(sp.YawDegrees)),
	}
}

// yawRadians converts a compass heading to radians in (-pi, pi].
func yawRadians(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d > 180 {
		d -= 360
	} else if d <= -180 {
		d += 360
	}
	return d * math.Pi / 180
}

func followTarget(sp core.Setpoint, now time.Time) *common.MessageFollowTarget {
	return &common.MessageFollowTarget{
		Timestamp:       uint64(now.UnixMilli()),
		EstCapabilities: followCapPosition,
		Lat:             toDegE7(sp.Latitude),
		Lon:             toDegE7(sp.Longitude),
		Alt:             float32(sp.Altitude),
	}
}

type paramValue struct {
	id    string
	value float32
}

func followParams(g core.FollowGeometry) []paramValue {
	return []paramValue{
		{paramFollowHeight, float32(g.MinHeightMeters)},
		{paramFollowDistance, float32(g.StandoffDistanceMeters)},
		{paramFollowAngle, float32(g.ApproachAngleDegrees)},
		{paramFollowResponse, float32(g.Responsiveness)},
	}
}

func paramSet(target core.VehicleID, p paramValue) *common.MessageParamSet {
	return &common.MessageParamSet{
		TargetSystem:    uint8(target),
		TargetComponent: 1,
		ParamId:         p.id,
		ParamValue:      p.value,
		ParamType:       common.MAV_PARAM_TYPE_REAL32,
	}
}

func paramMatches(want, got float32) bool {
	return math.Abs(float64(want-got)) < 1e-4
}
