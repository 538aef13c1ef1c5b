// Package alg holds the celestial geometry used across the server: unit
// vector conversions, angular separations, position angles, and the
// equatorial/horizon transforms that location-based display values derive
// from.
package alg

import (
	"math"
	"time"
)

// CelestialCoord is a sky position in degrees. RA is 0..360, Dec -90..90.
type CelestialCoord struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// ImageCoord is a full-resolution pixel position. Sub-pixel precision is
// meaningful for centroids and the boresight.
type ImageCoord struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// LatLong is an observer's geographic location in degrees.
type LatLong struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// SiderealRateDegPerSec is the apparent sidereal drift rate of a fixed mount.
const SiderealRateDegPerSec = 15.04 / 3600.0

// ToUnitVector converts RA/Dec (degrees) to x/y/z on the unit sphere.
func ToUnitVector(c CelestialCoord) [3]float64 {
	ra := c.RA * math.Pi / 180
	dec := c.Dec * math.Pi / 180
	return [3]float64{
		math.Cos(ra) * math.Cos(dec),
		math.Sin(ra) * math.Cos(dec),
		math.Sin(dec),
	}
}

// FromUnitVector converts a unit sphere vector back to RA/Dec (degrees).
func FromUnitVector(v [3]float64) CelestialCoord {
	dec := math.Asin(v[2])
	ra := math.Atan2(v[1], v[0])
	if ra < 0 {
		ra += 2 * math.Pi
	}
	return CelestialCoord{RA: ra * 180 / math.Pi, Dec: dec * 180 / math.Pi}
}

// AngularSeparation returns the great-circle separation between two sky
// positions, in degrees.
func AngularSeparation(a, b CelestialCoord) float64 {
	ra0 := a.RA * math.Pi / 180
	dec0 := a.Dec * math.Pi / 180
	ra1 := b.RA * math.Pi / 180
	dec1 := b.Dec * math.Pi / 180
	// Vincenty form, stable at small separations.
	dRA := ra1 - ra0
	num := math.Hypot(
		math.Cos(dec1)*math.Sin(dRA),
		math.Cos(dec0)*math.Sin(dec1)-math.Sin(dec0)*math.Cos(dec1)*math.Cos(dRA),
	)
	den := math.Sin(dec0)*math.Sin(dec1) + math.Cos(dec0)*math.Cos(dec1)*math.Cos(dRA)
	return math.Atan2(num, den) * 180 / math.Pi
}

// PositionAngle returns the position angle of `to` relative to `from`, in
// degrees, range -180..180, zero at north and increasing counter-clockwise.
// Returns 0 when the positions are degenerate.
func PositionAngle(from, to CelestialCoord) float64 {
	ra0 := from.RA * math.Pi / 180
	dec0 := from.Dec * math.Pi / 180
	ra1 := to.RA * math.Pi / 180
	dec1 := to.Dec * math.Pi / 180
	dRA := ra1 - ra0
	s := math.Sin(0.5 * dRA)
	y := math.Sin(dec1-dec0) + 2*math.Sin(dec0)*math.Cos(dec1)*s*s
	x := math.Cos(dec0) * math.Sin(dRA)
	return math.Atan2(x, y) * 180 / math.Pi
}

// GreenwichMeanSiderealTime returns GMST in degrees, 0..360.
func GreenwichMeanSiderealTime(t time.Time) float64 {
	// Days since J2000.0 (2000-01-01 12:00 UT).
	j2000 := time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	d := t.UTC().Sub(j2000).Seconds() / 86400.0
	gmst := 280.46061837 + 360.98564736629*d
	gmst = math.Mod(gmst, 360)
	if gmst < 0 {
		gmst += 360
	}
	return gmst
}

// HourAngle returns the hour angle of the given RA at the observer's
// longitude, in degrees, range -180..180 (positive west of the meridian).
func HourAngle(ra float64, longitude float64, t time.Time) float64 {
	ha := GreenwichMeanSiderealTime(t) + longitude - ra
	ha = math.Mod(ha, 360)
	if ha > 180 {
		ha -= 360
	}
	if ha < -180 {
		ha += 360
	}
	return ha
}

// AltAz converts an equatorial position to horizon coordinates for the given
// observer and time. Returns altitude and azimuth (clockwise from north) in
// degrees, plus the hour angle (-180..180 degrees).
func AltAz(c CelestialCoord, obs LatLong, t time.Time) (alt, az, ha float64) {
	ha = HourAngle(c.RA, obs.Longitude, t)
	haR := ha * math.Pi / 180
	dec := c.Dec * math.Pi / 180
	lat := obs.Latitude * math.Pi / 180

	sinAlt := math.Sin(dec)*math.Sin(lat) + math.Cos(dec)*math.Cos(lat)*math.Cos(haR)
	alt = math.Asin(sinAlt) * 180 / math.Pi

	// Azimuth measured from south in the Meeus convention; shift to
	// clockwise-from-north.
	azS := math.Atan2(math.Sin(haR), math.Cos(haR)*math.Sin(lat)-math.Tan(dec)*math.Cos(lat))
	az = azS*180/math.Pi + 180
	az = math.Mod(az, 360)
	if az < 0 {
		az += 360
	}
	return alt, az, ha
}

// EquatorialFromAltAz converts horizon coordinates (degrees, azimuth
// clockwise from north) back to RA/Dec for the given observer and time.
func EquatorialFromAltAz(alt, az float64, obs LatLong, t time.Time) CelestialCoord {
	altR := alt * math.Pi / 180
	azS := (az - 180) * math.Pi / 180
	lat := obs.Latitude * math.Pi / 180

	sinDec := math.Sin(lat)*math.Sin(altR) - math.Cos(lat)*math.Cos(altR)*math.Cos(azS)
	dec := math.Asin(sinDec)
	ha := math.Atan2(math.Sin(azS), math.Cos(azS)*math.Sin(lat)+math.Tan(altR)*math.Cos(lat))

	ra := GreenwichMeanSiderealTime(t) + obs.Longitude - ha*180/math.Pi
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return CelestialCoord{RA: ra, Dec: dec * 180 / math.Pi}
}

// ZenithRollAngle returns the roll (degrees) that places the zenith at the
// top of an image whose boresight points at `c` with the given celestial
// roll angle (image up relative to north). The result is how far image "up"
// must rotate, counter-clockwise positive, to align with the local vertical.
func ZenithRollAngle(c CelestialCoord, northRoll float64, obs LatLong, t time.Time) float64 {
	_, az, _ := AltAz(c, obs, t)
	zenith := EquatorialFromAltAz(89.999, az, obs, t)
	zpa := PositionAngle(c, zenith)
	roll := northRoll + zpa
	roll = math.Mod(roll, 360)
	if roll > 180 {
		roll -= 360
	}
	if roll < -180 {
		roll += 360
	}
	return roll
}

// RAChange computes cur-prev in degrees, handling the 360/0 wrap.
func RAChange(prev, cur float64) float64 {
	if prev < 45 && cur > 315 {
		prev += 360
	}
	if cur < 45 && prev > 315 {
		cur += 360
	}
	return cur - prev
}
