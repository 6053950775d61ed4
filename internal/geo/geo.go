// Package geo converts between WGS84 coordinates and local metric offsets.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/neostellar/tracker/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// Offsets are applied in Web Mercator (EPSG:3857). Mercator is conformal, so
// bearings survive the projection, and lengths are stretched by sec(latitude);
// scaling by that factor gives metre-accurate offsets over follow distances.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

var (
	toMercator   = wgs84.EPSG().Transform(4326, 3857)
	fromMercator = wgs84.EPSG().Transform(3857, 4326)
)

// mercatorPoint projects a latitude/longitude into a 3857 point.
func mercatorPoint(lat, lon float64) (geom.Point, error) {
	x, y, _ := toMercator(lon, lat, 0)
	point, err := geom.NewPoint(
		geom.Coordinates{
			XY:   geom.XY{X: x, Y: y},
			Type: geom.DimXY,
		},
	)
	if err != nil {
		return geom.NewEmptyPoint(geom.DimXY), fmt.Errorf("%w: %w", ErrInvalidCoordinates, err)
	}
	return point, nil
}

// scale is the Mercator stretch at lat.
func scale(lat float64) float64 {
	return 1 / math.Cos(lat*math.Pi/180)
}

// Offset moves (lat, lon) north and east by the given distances in metres.
func Offset(lat, lon, north, east float64) (float64, float64) {
	k := scale(lat)
	x, y, _ := toMercator(lon, lat, 0)
	lon2, lat2, _ := fromMercator(x+east*k, y+north*k, 0)
	return lat2, lon2
}

// OffsetBearing moves (lat, lon) by distance metres along a compass bearing in degrees.
func OffsetBearing(lat, lon, distance, bearingDeg float64) (float64, float64) {
	rad := bearingDeg * math.Pi / 180
	return Offset(lat, lon, distance*math.Cos(rad), distance*math.Sin(rad))
}

// Distance returns the ground distance in metres between two nearby points.
// Coordinates that do not project to a finite point are rejected with
// ErrInvalidCoordinates.
func Distance(lat1, lon1, lat2, lon2 float64) (float64, error) {
	a, err := mercatorPoint(lat1, lon1)
	if err != nil {
		return 0, err
	}
	b, err := mercatorPoint(lat2, lon2)
	if err != nil {
		return 0, err
	}
	d, ok := geom.Distance(a.AsGeometry(), b.AsGeometry())
	if !ok {
		return 0, ErrInvalidCoordinates
	}
	return d / scale((lat1+lat2)/2), nil
}

// Bearing returns the compass bearing in degrees [0,360) from the first point to the second.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	x1, y1, _ := toMercator(lon1, lat1, 0)
	x2, y2, _ := toMercator(lon2, lat2, 0)
	deg := math.Atan2(x2-x1, y2-y1) * 180 / math.Pi
	return NormalizeDegrees(deg)
}

// NormalizeDegrees wraps an angle into [0,360).
func NormalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// PositionFromString parses "lat,lon" or "lat,lon,alt" into a valid core.Position.
// The altitude is used both as AMSL and relative altitude.
func PositionFromString(coords string) (core.Position, error) {
	coordsSplit := strings.Split(coords, ",")
	if len(coordsSplit) < 2 || len(coordsSplit) > 3 {
		return core.Position{}, ErrInvalidCoordinates
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(coordsSplit[0]), 64)
	if err != nil || lat < -90 || lat > 90 {
		return core.Position{}, ErrInvalidCoordinates
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(coordsSplit[1]), 64)
	if err != nil || lon < -180 || lon > 180 {
		return core.Position{}, ErrInvalidCoordinates
	}
	var alt float64
	if len(coordsSplit) > 2 {
		alt, err = strconv.ParseFloat(strings.TrimSpace(coordsSplit[2]), 64)
		if err != nil {
			return core.Position{}, ErrInvalidCoordinates
		}
	}
	return core.Position{
		Latitude:         lat,
		Longitude:        lon,
		Altitude:         alt,
		RelativeAltitude: alt,
		Valid:            true,
	}, nil
}
