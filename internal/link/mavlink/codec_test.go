package mavlink

import (
	"math"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neostellar/tracker/pkg/core"
)

func TestDecodeMode(t *testing.T) {
	tests := []struct {
		name string
		mode px4Mode
		want core.FlightMode
	}{
		{"manual", px4Mode{main: px4Manual}, core.FlightModeManual},
		{"altitude", px4Mode{main: px4Altctl}, core.FlightModeAltitude},
		{"position", px4Mode{main: px4Posctl}, core.FlightModePosition},
		{"offboard", modeOffboard, core.FlightModeOffboard},
		{"hold", modeHold, core.FlightModeHold},
		{"follow", modeFollow, core.FlightModeFollowMe},
		{"takeoff", px4Mode{main: px4Auto, sub: px4AutoTakeoff}, core.FlightModeTakeoff},
		{"land", px4Mode{main: px4Auto, sub: px4AutoLand}, core.FlightModeLand},
		{"rtl", px4Mode{main: px4Auto, sub: px4AutoRTL}, core.FlightModeReturnToLaunch},
		{"mission", px4Mode{main: px4Auto, sub: px4AutoMission}, core.FlightModeMission},
		{"unknown auto", px4Mode{main: px4Auto, sub: 42}, core.FlightModeUnknown},
		{"unknown main", px4Mode{main: 9}, core.FlightModeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeMode(tt.mode.customMode()))
			assert.Equal(t, tt.mode, splitCustomMode(tt.mode.customMode()))
		})
	}
}

func TestDecodeHeartbeat(t *testing.T) {
	armed, mode := decodeHeartbeat(&common.MessageHeartbeat{
		BaseMode:   common.MAV_MODE_FLAG_SAFETY_ARMED | common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED,
		CustomMode: modeOffboard.customMode(),
	})
	assert.True(t, armed)
	assert.Equal(t, core.FlightModeOffboard, mode)

	armed, mode = decodeHeartbeat(&common.MessageHeartbeat{CustomMode: modeOffboard.customMode()})
	assert.False(t, armed)
	assert.Equal(t, core.FlightModeUnknown, mode, "custom mode is ignored unless flagged")
}

func TestDecodePosition(t *testing.T) {
	pos, vel := decodePosition(&common.MessageGlobalPositionInt{
		Lat:         473977418,
		Lon:         85455938,
		Alt:         488120,
		RelativeAlt: 10250,
		Vx:          300,
		Vy:          -400,
		Vz:          -50,
	})
	assert.True(t, pos.Valid)
	assert.InDelta(t, 47.3977418, pos.Latitude, 1e-9)
	assert.InDelta(t, 8.5455938, pos.Longitude, 1e-9)
	assert.InDelta(t, 488.12, pos.Altitude, 1e-9)
	assert.InDelta(t, 10.25, pos.RelativeAltitude, 1e-9)
	assert.InDelta(t, 5.0, vel.GroundSpeed(), 1e-9)
	assert.InDelta(t, -0.5, vel.Down, 1e-9)
}

func TestDecodeLandedState(t *testing.T) {
	assert.Equal(t, core.LandedOnGround, decodeLandedState(common.MAV_LANDED_STATE_ON_GROUND))
	assert.Equal(t, core.LandedInAir, decodeLandedState(common.MAV_LANDED_STATE_IN_AIR))
	assert.Equal(t, core.LandedTakingOff, decodeLandedState(common.MAV_LANDED_STATE_TAKEOFF))
	assert.Equal(t, core.LandedLanding, decodeLandedState(common.MAV_LANDED_STATE_LANDING))
	assert.Equal(t, core.LandedUnknown, decodeLandedState(common.MAV_LANDED_STATE_UNDEFINED))
}

func TestSensorsHealthy(t *testing.T) {
	enabled := requiredSensors | common.MAV_SYS_STATUS_SENSOR_RC_RECEIVER
	assert.True(t, sensorsHealthy(&common.MessageSysStatus{
		OnboardControlSensorsEnabled: enabled,
		OnboardControlSensorsHealth:  requiredSensors,
	}), "only required sensors count")
	assert.False(t, sensorsHealthy(&common.MessageSysStatus{
		OnboardControlSensorsEnabled: enabled,
		OnboardControlSensorsHealth:  common.MAV_SYS_STATUS_SENSOR_3D_GYRO,
	}))
}

func TestGPSFix(t *testing.T) {
	assert.False(t, gpsFixOK(&common.MessageGpsRawInt{FixType: common.GPS_FIX_TYPE_2D_FIX}))
	assert.True(t, gpsFixOK(&common.MessageGpsRawInt{FixType: common.GPS_FIX_TYPE_3D_FIX}))
	assert.True(t, gpsFixOK(&common.MessageGpsRawInt{FixType: common.GPS_FIX_TYPE_RTK_FIXED}))
}

func TestSetModeCommand(t *testing.T) {
	msg := setModeCommand(7, modeFollow)
	assert.Equal(t, uint8(7), msg.TargetSystem)
	assert.Equal(t, common.MAV_CMD_DO_SET_MODE, msg.Command)
	assert.Equal(t, float32(1), msg.Param1)
	assert.Equal(t, float32(px4Auto), msg.Param2)
	assert.Equal(t, float32(px4AutoFollow), msg.Param3)
}

func TestTakeoffCommand(t *testing.T) {
	msg := takeoffCommand(1, 488, 10)
	assert.Equal(t, common.MAV_CMD_NAV_TAKEOFF, msg.Command)
	assert.Equal(t, float32(498), msg.Param7)
	assert.True(t, math.IsNaN(float64(msg.Param5)))

	msg = takeoffCommand(1, math.NaN(), 10)
	assert.True(t, math.IsNaN(float64(msg.Param7)))
}

func TestPositionTarget(t *testing.T) {
	sp := core.Setpoint{Latitude: 47.3977418, Longitude: 8.5455938, Altitude: 12, YawDegrees: 270}
	msg := positionTarget(2, sp, time.Now())

	assert.Equal(t, common.MAV_FRAME_GLOBAL_RELATIVE_ALT_INT, msg.CoordinateFrame)
	assert.Equal(t, int32(473977418), msg.LatInt)
	assert.Equal(t, int32(85455938), msg.LonInt)
	assert.Equal(t, float32(12), msg.Alt)
	assert.InDelta(t, -math.Pi/2, float64(msg.Yaw), 1e-6)
	assert.Equal(t, positionTypeMask, msg.TypeMask)

	sp.Reference = core.AltitudeAbsoluteGPS
	assert.Equal(t, common.MAV_FRAME_GLOBAL_INT, positionTarget(2, sp, time.Now()).CoordinateFrame)
}

func TestYawRadians(t *testing.T) {
	assert.InDelta(t, 0, yawRadians(0), 1e-12)
	assert.InDelta(t, math.Pi, yawRadians(180), 1e-12)
	assert.InDelta(t, -math.Pi/2, yawRadians(270), 1e-12)
	assert.InDelta(t, math.Pi/2, yawRadians(-270), 1e-12)
	assert.InDelta(t, math.Pi/4, yawRadians(405), 1e-12)
}

func TestFollowParams(t *testing.T) {
	params := followParams(core.DefaultFollowGeometry())
	require.Len(t, params, 4)
	assert.Equal(t, paramValue{paramFollowHeight, 12}, params[0])
	assert.Equal(t, paramValue{paramFollowDistance, 8}, params[1])
	assert.Equal(t, paramValue{paramFollowAngle, 180}, params[2])
	assert.Equal(t, paramValue{paramFollowResponse, 0.5}, params[3])

	set := paramSet(3, params[0])
	assert.Equal(t, "FLW_TGT_HT", set.ParamId)
	assert.Equal(t, common.MAV_PARAM_TYPE_REAL32, set.ParamType)
}

func TestFollowTarget(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	msg := followTarget(core.Setpoint{Latitude: -33.5, Longitude: 151.25, Altitude: 30}, now)
	assert.Equal(t, uint64(1700000000123), msg.Timestamp)
	assert.Equal(t, int32(-335000000), msg.Lat)
	assert.Equal(t, int32(1512500000), msg.Lon)
	assert.Equal(t, uint8(followCapPosition), msg.EstCapabilities)
}
