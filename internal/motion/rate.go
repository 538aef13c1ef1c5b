// Package motion classifies the mount's behavior from successive plate
// solutions: dwell versus moving, tracked versus untracked, and the
// declination drift that polar-alignment advice derives from.
package motion

import (
	"math"
	"math/rand"
	"time"
)

// reservoir keeps a uniform random sample of added items so the rate
// regression spans the full dwell without unbounded memory.
type reservoir struct {
	samples  []ratePoint
	capacity int
	rng      *rand.Rand
	addCount int
}

type ratePoint struct {
	t time.Time
	y float64
}

func newReservoir(capacity int) *reservoir {
	return &reservoir{
		capacity: capacity,
		rng:      rand.New(rand.NewSource(42)),
	}
}

// add returns whether the item was kept, and the displaced item if one was.
func (r *reservoir) add(p ratePoint) (added bool, removed *ratePoint) {
	r.addCount++
	if len(r.samples) < r.capacity {
		r.samples = append(r.samples, p)
		return true, nil
	}
	j := r.rng.Intn(r.addCount)
	if j >= r.capacity {
		return false, nil
	}
	old := r.samples[j]
	r.samples[j] = p
	return true, &old
}

func (r *reservoir) clear() {
	r.samples = r.samples[:0]
	r.addCount = 0
}

// RateEstimation models a one-dimensional time series assuming a constant
// rate of change, with an uncertainty estimate derived from the data's
// noise. Even though a finite number of points is retained, the slope
// estimate improves as the time span of added values grows.
type RateEstimation struct {
	first time.Time
	last  time.Time

	res *reservoir

	slope      float64
	intercept  float64
	yNoise     float64
	slopeNoise float64

	xSum float64
	ySum float64
}

// NewRateEstimation creates an estimation seeded with its first observation.
func NewRateEstimation(capacity int, t time.Time, value float64) *RateEstimation {
	re := &RateEstimation{first: t, res: newReservoir(capacity)}
	re.Add(t, value, 0)
	return re
}

// Add incorporates an observation. Calls must have increasing times; a
// regressed time (the client adjusted the server clock) is dropped.
func (re *RateEstimation) Add(t time.Time, value, noiseEstimate float64) {
	if !re.last.IsZero() && !t.After(re.last) {
		re.last = t
		return
	}
	re.last = t

	added, removed := re.res.add(ratePoint{t: t, y: value})
	if removed != nil {
		re.xSum -= removed.t.Sub(re.first).Seconds()
		re.ySum -= removed.y
	}
	if added {
		re.xSum += t.Sub(re.first).Seconds()
		re.ySum += value
	}
	n := len(re.res.samples)
	if n < 2 {
		return
	}
	count := float64(n)
	xMean := re.xSum / count
	yMean := re.ySum / count

	var num, den float64
	for _, s := range re.res.samples {
		x := s.t.Sub(re.first).Seconds()
		num += (x - xMean) * (s.y - yMean)
		den += (x - xMean) * (x - xMean)
	}
	if den <= 0 {
		return
	}
	re.slope = num / den
	re.intercept = yMean - re.slope*xMean

	var yVariance float64
	for _, s := range re.res.samples {
		yReg := re.estimateValue(s.t)
		yVariance += (s.y - yReg) * (s.y - yReg)
	}
	adjusted := math.Max(yVariance, noiseEstimate*noiseEstimate)
	re.yNoise = math.Sqrt(adjusted / count)
	if count > 2 {
		re.slopeNoise = math.Sqrt((1 / (count - 2)) * adjusted / den)
	}
}

func (re *RateEstimation) estimateValue(t time.Time) float64 {
	x := t.Sub(re.first).Seconds()
	return re.intercept + x*re.slope
}

// Count returns the number of retained samples.
func (re *RateEstimation) Count() int { return len(re.res.samples) }

// FitsTrend reports whether a data point is within sigma multiples of the
// model's noise. With fewer than 3 samples it always fits.
func (re *RateEstimation) FitsTrend(t time.Time, value, sigma float64) bool {
	if re.Count() < 3 {
		return true
	}
	deviation := math.Abs(value - re.estimateValue(t))
	return deviation < sigma*re.yNoise
}

// Slope returns the estimated rate of change per second. Meaningful once
// Count() is at least 2.
func (re *RateEstimation) Slope() float64 { return re.slope }

// RateIntervalBound estimates the +/- range around Slope within which the
// true rate is likely to lie. Meaningful once Count() is at least 3.
func (re *RateEstimation) RateIntervalBound() float64 { return re.slopeNoise }

// Clear resets as if newly constructed with no observations.
func (re *RateEstimation) Clear() {
	re.res.clear()
	re.first = time.Time{}
	re.last = time.Time{}
	re.slope = 0
	re.intercept = 0
	re.yNoise = 0
	re.slopeNoise = 0
	re.xSum = 0
	re.ySum = 0
}

// Seed restarts the estimation with a first observation after a Clear.
func (re *RateEstimation) Seed(t time.Time, value float64) {
	re.Clear()
	re.first = t
	re.Add(t, value, 0)
}
