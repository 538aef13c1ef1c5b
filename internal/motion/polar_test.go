package motion

import (
	"math"
	"testing"

	"github.com/banshee-data/starfix/internal/alg"
)

// driftFor returns the dec rate (deg/s) that produces the given drift angle
// in degrees.
func driftFor(angleDeg float64) float64 {
	return math.Tan(angleDeg*math.Pi/180) * alg.SiderealRateDegPerSec
}

func trackedEstimate(decRate float64) Estimate {
	return Estimate{
		Type:         MotionDwellTracked,
		RARate:       0,
		RARateError:  1e-6,
		DecRate:      decRate,
		DecRateError: decRate / 100,
	}
}

func TestPolarAzimuthAdviceNearMeridian(t *testing.T) {
	p := NewPolarAnalyzer()
	bore := alg.CelestialCoord{RA: 180, Dec: 0}
	p.ProcessSolution(bore, 0, 40, trackedEstimate(driftFor(1.0)))

	advice := p.Advice()
	if advice.AzimuthCorrection == nil {
		t.Fatal("no azimuth correction near meridian")
	}
	if advice.AltitudeCorrection != nil {
		t.Error("altitude correction should not appear near meridian")
	}
	// Northward drift on the meridian: the correction is -drift/cos(lat).
	want := -1.0 / math.Cos(40*math.Pi/180)
	if math.Abs(advice.AzimuthCorrection.Value-want) > 0.01 {
		t.Errorf("azimuth correction = %v, want %v", advice.AzimuthCorrection.Value, want)
	}
	if advice.AzimuthCorrection.Error < 0 {
		t.Errorf("correction error is negative")
	}
}

func TestPolarAltitudeAdviceNearHorizon(t *testing.T) {
	p := NewPolarAnalyzer()
	bore := alg.CelestialCoord{RA: 180, Dec: 5}

	// Hour angle near -90 degrees: rising horizon, altitude advice.
	p.ProcessSolution(bore, -85, 40, trackedEstimate(driftFor(0.5)))
	advice := p.Advice()
	if advice.AltitudeCorrection == nil {
		t.Fatal("no altitude correction near the east horizon")
	}
	if advice.AzimuthCorrection != nil {
		t.Error("azimuth correction should not appear near the horizon")
	}
	if advice.AltitudeCorrection.Value <= 0 {
		t.Errorf("northern hemisphere east-horizon northward drift should be positive, got %v",
			advice.AltitudeCorrection.Value)
	}

	// Southern hemisphere reverses the sense.
	p.ProcessSolution(bore, -85, -40, trackedEstimate(driftFor(0.5)))
	south := p.Advice()
	if south.AltitudeCorrection == nil {
		t.Fatal("no altitude correction in the south")
	}
	if south.AltitudeCorrection.Value >= 0 {
		t.Errorf("southern hemisphere should flip the altitude sense, got %v",
			south.AltitudeCorrection.Value)
	}
}

func TestPolarAdviceSurvivesGateFailingFrame(t *testing.T) {
	p := NewPolarAnalyzer()
	bore := alg.CelestialCoord{RA: 180, Dec: 0}

	p.ProcessSolution(bore, 0, 40, trackedEstimate(driftFor(1.0)))
	first := p.Advice()
	if first.AzimuthCorrection == nil {
		t.Fatal("no azimuth correction from the first good frame")
	}

	// A frame that fails a gate (lost the dwell) leaves the held
	// guidance untouched.
	p.ProcessSolution(bore, 0, 40, Estimate{Type: MotionMoving})
	held := p.Advice()
	if held.AzimuthCorrection == nil {
		t.Fatal("held guidance dropped by a gate-failing frame")
	}
	if held.AzimuthCorrection.Value != first.AzimuthCorrection.Value {
		t.Errorf("held guidance changed: %v != %v",
			held.AzimuthCorrection.Value, first.AzimuthCorrection.Value)
	}

	// Another good frame keeps accumulating.
	p.ProcessSolution(bore, 0, 40, trackedEstimate(driftFor(1.0)))
	if p.Advice().AzimuthCorrection == nil {
		t.Error("guidance lost after the dwell resumed")
	}
}

func TestPolarAdvicePromotion(t *testing.T) {
	p := NewPolarAnalyzer()
	bore := alg.CelestialCoord{RA: 180, Dec: 0}

	// First sample: wide error bound.
	wide := trackedEstimate(driftFor(1.0))
	wide.DecRateError = wide.DecRate / 2
	p.ProcessSolution(bore, 0, 40, wide)
	held := p.Advice().AzimuthCorrection
	if held == nil {
		t.Fatal("no guidance from first sample")
	}

	// A consistent sample with a larger error bound does not replace the
	// tighter held value.
	wider := trackedEstimate(driftFor(1.0))
	wider.DecRateError = wider.DecRate
	p.ProcessSolution(bore, 0, 40, wider)
	after := p.Advice().AzimuthCorrection
	if after.Error != held.Error {
		t.Errorf("looser consistent sample replaced held guidance: error %v -> %v",
			held.Error, after.Error)
	}

	// A tighter sample always promotes.
	tight := trackedEstimate(driftFor(1.0))
	tight.DecRateError = tight.DecRate / 100
	p.ProcessSolution(bore, 0, 40, tight)
	final := p.Advice().AzimuthCorrection
	if final.Error >= held.Error {
		t.Errorf("tighter sample did not promote: error %v -> %v",
			held.Error, final.Error)
	}

	// An inconsistent sample (drift changed sign) replaces the held
	// value even with a looser bound.
	flipped := trackedEstimate(driftFor(-1.0))
	flipped.DecRateError = driftFor(1.0) / 10
	p.ProcessSolution(bore, 0, 40, flipped)
	moved := p.Advice().AzimuthCorrection
	if math.Signbit(moved.Value) == math.Signbit(final.Value) {
		t.Errorf("inconsistent sample did not replace held guidance: %v -> %v",
			final.Value, moved.Value)
	}
}

func TestPolarAdviceGates(t *testing.T) {
	tests := []struct {
		name string
		bore alg.CelestialCoord
		ha   float64
		est  Estimate
	}{
		{"not dwelling", alg.CelestialCoord{RA: 180, Dec: 0}, 0,
			Estimate{Type: MotionMoving}},
		{"untracked mount", alg.CelestialCoord{RA: 180, Dec: 0}, 0,
			Estimate{Type: MotionDwellUntracked}},
		{"excessive ra rate", alg.CelestialCoord{RA: 180, Dec: 0}, 0,
			Estimate{Type: MotionDwellTracked, RARate: alg.SiderealRateDegPerSec}},
		{"declination too far from equator", alg.CelestialCoord{RA: 180, Dec: 45}, 0,
			trackedEstimate(driftFor(1))},
		{"mid hour angle", alg.CelestialCoord{RA: 180, Dec: 0}, 45,
			trackedEstimate(driftFor(1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolarAnalyzer()
			p.ProcessSolution(tt.bore, tt.ha, 40, tt.est)
			advice := p.Advice()
			if advice.AzimuthCorrection != nil || advice.AltitudeCorrection != nil {
				t.Errorf("advice should be suppressed: %+v", advice)
			}
		})
	}
}
