package motion

import (
	"time"

	"github.com/banshee-data/starfix/internal/alg"
	"github.com/banshee-data/starfix/internal/monitoring"
)

// MotionType classifies what the camera pointing is doing.
type MotionType string

const (
	// MotionUnknown: no recent solutions, or just constructed.
	MotionUnknown MotionType = "unknown"

	// MotionMoving: the pointing is changing faster than any mount
	// tracking state explains.
	MotionMoving MotionType = "moving"

	// MotionDwellUntracked: pointing fixed in the Earth frame; RA drifts
	// at the sidereal rate. A non-driven mount, or alt-az.
	MotionDwellUntracked MotionType = "dwell_untracked"

	// MotionDwellTracked: pointing nearly fixed in RA/Dec. A clock-driven
	// equatorial mount.
	MotionDwellTracked MotionType = "dwell_tracked"
)

// Estimate is the analyzer's current output. Rates are degrees per second
// and only populated for MotionDwellTracked.
type Estimate struct {
	Type MotionType `json:"type"`

	RARate       float64 `json:"ra_rate,omitempty"`
	RARateError  float64 `json:"ra_rate_error,omitempty"`
	DecRate      float64 `json:"dec_rate,omitempty"`
	DecRateError float64 `json:"dec_rate_error,omitempty"`
}

// Dwelling reports whether the estimate is either dwell variant.
func (e Estimate) Dwelling() bool {
	return e.Type == MotionDwellTracked || e.Type == MotionDwellUntracked
}

type state int

const (
	stateUnknown state = iota
	stateMoving
	stateStopped
	stateSteadyRate
)

const (
	// sidereal rate in degrees per second.
	siderealRate = alg.SiderealRateDegPerSec

	rateCapacity = 100

	// trendSigma accepts points this many noise multiples off-trend.
	trendSigma = 10.0
)

// Estimator ingests timestamped plate solutions and classifies the motion.
// Not safe for concurrent use; the caller serialises Add/Get.
type Estimator struct {
	state state

	// gap marks when solutions stopped arriving. Persisting past
	// gapTolerance reverts the state to unknown.
	gap          time.Time
	gapTolerance time.Duration

	prevTime time.Time
	prevPos  *alg.CelestialCoord

	raRate  *RateEstimation
	decRate *RateEstimation
}

// NewEstimator creates an Estimator. gapTolerance is how long solutions may
// be absent before the classification is discarded.
func NewEstimator(gapTolerance time.Duration) *Estimator {
	return &Estimator{
		gapTolerance: gapTolerance,
		raRate:       &RateEstimation{res: newReservoir(rateCapacity)},
		decRate:      &RateEstimation{res: newReservoir(rateCapacity)},
	}
}

// Add ingests the solve outcome for one frame. pos is nil when the frame had
// no solution (perhaps the telescope is slewing). t is the frame's capture
// time and must not regress.
func (m *Estimator) Add(t time.Time, pos *alg.CelestialCoord) {
	prevTime := m.prevTime
	prevPos := m.prevPos
	m.prevTime = t
	m.prevPos = pos

	if prevTime.IsZero() {
		if pos != nil {
			m.state = stateMoving
		}
		return
	}
	if t.Before(prevTime) {
		monitoring.Opsf("motion: time regressed from %v to %v", prevTime, t)
		t = prevTime.Add(time.Microsecond)
		m.prevTime = t
	}
	if pos == nil {
		if m.state == stateUnknown {
			return
		}
		if !m.gap.IsZero() {
			if t.Sub(m.gap) > m.gapTolerance {
				m.state = stateUnknown
				m.gap = time.Time{}
				m.raRate.Clear()
				m.decRate.Clear()
			}
		} else {
			m.gap = t
		}
		return
	}
	m.gap = time.Time{}

	switch m.state {
	case stateUnknown:
		m.state = stateMoving

	case stateMoving:
		if m.isStopped(t, prevTime, *pos, prevPos) {
			m.state = stateStopped
			m.raRate.Seed(prevTime, prevPos.RA)
			m.raRate.Add(t, pos.RA, 0)
			m.decRate.Seed(prevTime, prevPos.Dec)
			m.decRate.Add(t, pos.Dec, 0)
		}

	case stateStopped:
		if !m.isStopped(t, prevTime, *pos, prevPos) {
			m.toMoving()
			return
		}
		// Check the RA rate is consistent with the first two points
		// before promoting to steady-rate.
		elapsed := t.Sub(prevTime).Seconds()
		raRate := alg.RAChange(prevPos.RA, pos.RA) / elapsed
		if abs(raRate-m.raRate.Slope()) < siderealRate/4 {
			m.state = stateSteadyRate
			m.raRate.Add(t, pos.RA, 0)
			m.decRate.Add(t, pos.Dec, 0)
		} else {
			m.toMoving()
		}

	case stateSteadyRate:
		if m.raRate.FitsTrend(t, pos.RA, trendSigma) &&
			m.decRate.FitsTrend(t, pos.Dec, trendSigma) {
			m.raRate.Add(t, pos.RA, 0)
			m.decRate.Add(t, pos.Dec, 0)
		} else {
			m.toMoving()
		}
	}
}

func (m *Estimator) toMoving() {
	m.state = stateMoving
	m.raRate.Clear()
	m.decRate.Clear()
}

// Get returns the current motion estimate.
func (m *Estimator) Get() Estimate {
	switch m.state {
	case stateSteadyRate:
		if closeToSidereal(m.raRate.Slope()) {
			return Estimate{Type: MotionDwellUntracked}
		}
		return Estimate{
			Type:         MotionDwellTracked,
			RARate:       m.raRate.Slope(),
			RARateError:  m.raRate.RateIntervalBound(),
			DecRate:      m.decRate.Slope(),
			DecRateError: m.decRate.RateIntervalBound(),
		}
	case stateMoving, stateStopped:
		return Estimate{Type: MotionMoving}
	default:
		return Estimate{Type: MotionUnknown}
	}
}

// isStopped compares the new position against the previous one. Two cases
// qualify: a non-tracking mount whose RA changes at the sidereal rate, and a
// tracking mount whose position barely changes.
func (m *Estimator) isStopped(t, prevTime time.Time, pos alg.CelestialCoord, prevPos *alg.CelestialCoord) bool {
	elapsed := t.Sub(prevTime).Seconds()
	if elapsed <= 0 {
		return false
	}
	decRate := (pos.Dec - prevPos.Dec) / elapsed
	if abs(decRate) > siderealRate/4 {
		return false
	}
	raRate := alg.RAChange(prevPos.RA, pos.RA) / elapsed
	if closeToSidereal(raRate) {
		return true
	}
	return abs(raRate) < siderealRate/4
}

func closeToSidereal(rate float64) bool {
	return rate > 0.75*siderealRate && rate < 1.25*siderealRate
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
