package motion

import (
	"math"

	"github.com/banshee-data/starfix/internal/alg"
	"github.com/banshee-data/starfix/internal/monitoring"
)

// ErrorBoundedValue is a correction in degrees with its estimated error.
type ErrorBoundedValue struct {
	Value float64 `json:"value"`
	Error float64 `json:"error"`
}

// PolarAlignAdvice reports how far the mount's polar axis should move.
// Azimuth correction is a positive angle for clockwise seen from above the
// mount, independent of hemisphere. Altitude correction is positive upward.
// Nil fields mean no advice is currently available.
type PolarAlignAdvice struct {
	AzimuthCorrection  *ErrorBoundedValue `json:"azimuth_correction,omitempty"`
	AltitudeCorrection *ErrorBoundedValue `json:"altitude_correction,omitempty"`
}

// Declination drift method, per
// http://celestialwonders.com/articles/polaralignment/MeasuringAlignmentError.html
const (
	// decTolerance: the boresight declination must be within this of the
	// celestial equator for the drift method to apply.
	decTolerance = 15.0

	// haTolerance: hours around the meridian for azimuth evaluation;
	// hours (doubled) above the east/west horizon for altitude
	// evaluation.
	haTolerance = 1.0
)

// PolarAnalyzer accumulates polar-alignment advice from declination drift
// during tracked dwells. Each solution yields a transient sample; the held
// guidance is only replaced when the new sample is tighter or the held
// value is inconsistent with it, so one noisy frame or a transient slip
// out of the geometry windows does not discard good advice.
type PolarAnalyzer struct {
	azimuth  *ErrorBoundedValue
	altitude *ErrorBoundedValue
}

// NewPolarAnalyzer returns an analyzer with no advice.
func NewPolarAnalyzer() *PolarAnalyzer { return &PolarAnalyzer{} }

// ProcessSolution ingests one solved frame. Call once the observer location
// and time are known; hourAngle and latitude in degrees. The estimate must
// come from the same frame's motion analysis. Frames that fail a gate leave
// the held guidance untouched.
func (p *PolarAnalyzer) ProcessSolution(boresight alg.CelestialCoord, hourAngle, latitude float64, est Estimate) {
	if est.Type != MotionDwellTracked {
		return
	}
	// On a roughly polar-aligned tracking mount the residual RA rate is
	// near zero.
	if math.Abs(est.RARate) > alg.SiderealRateDegPerSec*0.3 {
		monitoring.Tracef("polar: excessive ra rate %.3f arcsec/s", est.RARate*3600)
		return
	}
	decRate := est.DecRate // positive is northward drift
	decRateError := est.DecRateError

	dec := boresight.Dec
	if dec > decTolerance || dec < -decTolerance {
		return
	}

	adjustedSidereal := alg.SiderealRateDegPerSec * math.Cos(dec*math.Pi/180)

	// Angle formed by the declination drift at a right angle to the
	// sidereal motion. Degrees.
	driftAngle := math.Atan(decRate/adjustedSidereal) * 180 / math.Pi
	driftAngleError := math.Atan(decRateError/adjustedSidereal) * 180 / math.Pi

	haHours := hourAngle / 15
	if haHours > -haTolerance && haHours < haTolerance {
		// Near the meridian: the drift measures azimuth deviation.
		haCorrection := math.Cos(hourAngle * math.Pi / 180)
		driftAngle /= haCorrection
		driftAngleError /= haCorrection

		// Project onto the local horizontal.
		latCorrection := math.Cos(latitude * math.Pi / 180)
		current := &ErrorBoundedValue{
			Value: -driftAngle / latCorrection,
			Error: math.Abs(driftAngleError / latCorrection),
		}
		if shouldPromote(current, p.azimuth) {
			p.azimuth = current
		}
		return
	}

	var altCorrection float64
	switch {
	case haHours > -6 && haHours < -6+2*haTolerance:
		// Close to the rising horizon.
		haCorrection := math.Cos((hourAngle + 90) * math.Pi / 180)
		driftAngle /= haCorrection
		driftAngleError /= haCorrection
		// Northern hemisphere: boresight drifting south means the polar
		// axis is too high.
		altCorrection = driftAngle
	case haHours < 6 && haHours > 6-2*haTolerance:
		// Close to the setting horizon.
		haCorrection := math.Cos((hourAngle - 90) * math.Pi / 180)
		driftAngle /= haCorrection
		driftAngleError /= haCorrection
		altCorrection = -driftAngle
	default:
		return
	}
	if latitude < 0 {
		// Southern hemisphere reverses the altitude sense.
		altCorrection = -altCorrection
	}
	current := &ErrorBoundedValue{
		Value: altCorrection,
		Error: math.Abs(driftAngleError),
	}
	if shouldPromote(current, p.altitude) {
		p.altitude = current
	}
}

// shouldPromote decides whether the latest sample replaces the held
// guidance: always when nothing is held, when the sample's error bound is
// tighter, or when the held value's range is no longer contained within the
// sample's range (the held advice has become inconsistent with what the
// drift now shows).
func shouldPromote(current *ErrorBoundedValue, held *ErrorBoundedValue) bool {
	if held == nil {
		return true
	}
	if current.Error < held.Error {
		return true
	}
	heldMin := held.Value - held.Error
	heldMax := held.Value + held.Error
	currentMin := current.Value - current.Error
	currentMax := current.Value + current.Error
	return heldMin < currentMin || heldMax > currentMax
}

// Advice returns the held guidance.
func (p *PolarAnalyzer) Advice() PolarAlignAdvice {
	var out PolarAlignAdvice
	if p.azimuth != nil {
		v := *p.azimuth
		out.AzimuthCorrection = &v
	}
	if p.altitude != nil {
		v := *p.altitude
		out.AltitudeCorrection = &v
	}
	return out
}
