package motion

import (
	"testing"
	"time"

	"github.com/banshee-data/starfix/internal/alg"
)

func feed(m *Estimator, start time.Time, step time.Duration, positions []alg.CelestialCoord) time.Time {
	now := start
	for _, p := range positions {
		pos := p
		m.Add(now, &pos)
		now = now.Add(step)
	}
	return now
}

func TestEstimatorTrackedDwell(t *testing.T) {
	m := NewEstimator(10 * time.Second)
	start := time.Date(2026, 8, 6, 2, 0, 0, 0, time.UTC)

	// A clock-driven equatorial mount: RA and Dec essentially constant,
	// with plate-solve jitter.
	jitter := []float64{0, 2e-4, -1e-4, 1e-4, -2e-4, 0, 1e-4, -1e-4}
	var series []alg.CelestialCoord
	for i := 0; i < 8; i++ {
		series = append(series, alg.CelestialCoord{RA: 180 + jitter[i], Dec: 30 - jitter[i]})
	}
	feed(m, start, time.Second, series)

	est := m.Get()
	if est.Type != MotionDwellTracked {
		t.Fatalf("type = %v, want dwell_tracked", est.Type)
	}
	if !est.Dwelling() {
		t.Error("Dwelling() = false for tracked dwell")
	}
}

func TestEstimatorUntrackedDwell(t *testing.T) {
	m := NewEstimator(10 * time.Second)
	start := time.Date(2026, 8, 6, 2, 0, 0, 0, time.UTC)

	// A fixed mount: RA drifts at the sidereal rate, Dec constant, with
	// plate-solve jitter.
	jitter := []float64{0, 1e-4, -2e-4, 2e-4, -1e-4, 0, -1e-4, 1e-4}
	var series []alg.CelestialCoord
	for i := 0; i < 8; i++ {
		series = append(series, alg.CelestialCoord{
			RA:  180 + alg.SiderealRateDegPerSec*float64(i) + jitter[i],
			Dec: 10 + jitter[i],
		})
	}
	feed(m, start, time.Second, series)

	est := m.Get()
	if est.Type != MotionDwellUntracked {
		t.Fatalf("type = %v, want dwell_untracked", est.Type)
	}
}

func TestEstimatorMoving(t *testing.T) {
	m := NewEstimator(10 * time.Second)
	start := time.Date(2026, 8, 6, 2, 0, 0, 0, time.UTC)

	// Slewing: a degree per second.
	var series []alg.CelestialCoord
	for i := 0; i < 6; i++ {
		series = append(series, alg.CelestialCoord{RA: 180 + float64(i), Dec: 30})
	}
	feed(m, start, time.Second, series)

	est := m.Get()
	if est.Type != MotionMoving {
		t.Fatalf("type = %v, want moving", est.Type)
	}
}

func TestEstimatorGapRevertsToUnknown(t *testing.T) {
	m := NewEstimator(5 * time.Second)
	start := time.Date(2026, 8, 6, 2, 0, 0, 0, time.UTC)

	jitter := []float64{0, 1e-4, -1e-4, 2e-4, -2e-4, 0}
	var series []alg.CelestialCoord
	for i := 0; i < 6; i++ {
		series = append(series, alg.CelestialCoord{RA: 180 + jitter[i], Dec: 30 + jitter[i]})
	}
	now := feed(m, start, time.Second, series)
	if got := m.Get().Type; got != MotionDwellTracked {
		t.Fatalf("type = %v, want dwell_tracked before gap", got)
	}

	// Solutions stop arriving (slewing, clouds): after the gap
	// tolerance, the classification is discarded.
	for i := 0; i < 8; i++ {
		m.Add(now, nil)
		now = now.Add(time.Second)
	}
	if got := m.Get().Type; got != MotionUnknown {
		t.Errorf("type = %v, want unknown after long gap", got)
	}
}

func TestEstimatorRAWrap(t *testing.T) {
	m := NewEstimator(10 * time.Second)
	start := time.Date(2026, 8, 6, 2, 0, 0, 0, time.UTC)

	// Sidereal drift crossing the 360/0 boundary still reads as an
	// untracked dwell.
	var series []alg.CelestialCoord
	for i := 0; i < 8; i++ {
		ra := 359.99999 + alg.SiderealRateDegPerSec*float64(i)
		if ra >= 360 {
			ra -= 360
		}
		series = append(series, alg.CelestialCoord{RA: ra, Dec: 0})
	}
	feed(m, start, time.Second, series)
	if got := m.Get().Type; got != MotionDwellUntracked {
		t.Errorf("type = %v, want dwell_untracked across RA wrap", got)
	}
}
