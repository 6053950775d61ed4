package follow

import (
	"math"

	"github.com/neostellar/tracker/internal/geo"
	"github.com/neostellar/tracker/pkg/core"
)

// ComputeSetpoint places the follower StandoffDistanceMeters from the target
// along the compass bearing ApproachAngleDegrees (0 north, 90 east), facing
// the target. The altitude is clamped to at least MinHeightMeters above home
// in the geometry's altitude reference. An invalid home falls back to the
// target's own relative altitude.
func ComputeSetpoint(target, home core.Position, g core.FollowGeometry) (core.Setpoint, error) {
	if !target.Valid {
		return core.Setpoint{}, ErrTargetPositionUnavailable
	}

	lat, lon := geo.OffsetBearing(target.Latitude, target.Longitude,
		g.StandoffDistanceMeters, g.ApproachAngleDegrees)

	sp := core.Setpoint{
		Latitude:   lat,
		Longitude:  lon,
		YawDegrees: geo.NormalizeDegrees(g.ApproachAngleDegrees + 180),
		Reference:  g.AltitudeReference,
	}

	switch g.AltitudeReference {
	case core.AltitudeAbsoluteGPS:
		ground := target.Altitude - target.RelativeAltitude
		if home.Valid {
			ground = home.Altitude
		}
		sp.Altitude = math.Max(target.Altitude, ground+g.MinHeightMeters)
	default:
		rel := target.RelativeAltitude
		if home.Valid {
			rel = target.Altitude - home.Altitude
		}
		sp.Altitude = math.Max(rel, g.MinHeightMeters)
	}
	return sp, nil
}

// Blend moves prev towards desired by the gain r in [0,1]. A nil prev
// returns desired.
func Blend(prev *core.Setpoint, desired core.Setpoint, r float64) core.Setpoint {
	if prev == nil {
		return desired
	}
	out := desired
	out.Latitude = prev.Latitude + r*(desired.Latitude-prev.Latitude)
	out.Longitude = prev.Longitude + r*(desired.Longitude-prev.Longitude)
	out.Altitude = prev.Altitude + r*(desired.Altitude-prev.Altitude)

	// shortest way round
	dyaw := math.Mod(desired.YawDegrees-prev.YawDegrees+540, 360) - 180
	out.YawDegrees = geo.NormalizeDegrees(prev.YawDegrees + r*dyaw)
	return out
}
