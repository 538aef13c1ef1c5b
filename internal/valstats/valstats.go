// Package valstats accumulates descriptive statistics for a measured
// quantity: a recent window over the last N samples plus session-cumulative
// aggregates that survive the window.
package valstats

import (
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// DescriptiveStats summarises a set of samples. Median and MedianAbsDev are
// only populated for the recent window; session stats omit them.
type DescriptiveStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`

	Median       *float64 `json:"median,omitempty"`
	MedianAbsDev *float64 `json:"median_absolute_deviation,omitempty"`
}

// ValueStats is the exported snapshot of an Accumulator.
type ValueStats struct {
	Recent  DescriptiveStats `json:"recent"`
	Session DescriptiveStats `json:"session"`
}

// Accumulator maintains ValueStats for one quantity. Safe for concurrent
// use; updates are short critical sections and readers copy the snapshot.
type Accumulator struct {
	mu sync.Mutex

	stats ValueStats

	// Recent window.
	ring  []float64
	start int
	cap   int

	// Session aggregates.
	count  int64
	sum    float64
	sumSq  float64
	sesMin float64
	sesMax float64
}

// NewAccumulator creates an Accumulator whose recent window holds capacity
// samples.
func NewAccumulator(capacity int) *Accumulator {
	if capacity < 1 {
		capacity = 1
	}
	return &Accumulator{cap: capacity}
}

// Add records a sample and refreshes both recent and session stats.
func (a *Accumulator) Add(value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.ring) < a.cap {
		a.ring = append(a.ring, value)
	} else {
		a.ring[a.start] = value
		a.start = (a.start + 1) % a.cap
	}

	a.count++
	a.sum += value
	a.sumSq += value * value
	if a.count == 1 {
		a.sesMin = value
		a.sesMax = value
	} else {
		a.sesMin = math.Min(a.sesMin, value)
		a.sesMax = math.Max(a.sesMax, value)
	}

	a.recompute()
}

func (a *Accumulator) recompute() {
	recent := &a.stats.Recent
	recent.Min = a.ring[0]
	recent.Max = a.ring[0]
	for _, v := range a.ring {
		recent.Min = math.Min(recent.Min, v)
		recent.Max = math.Max(recent.Max, v)
	}
	recent.Mean = stat.Mean(a.ring, nil)
	if len(a.ring) > 1 {
		recent.StdDev = stat.StdDev(a.ring, nil)
	} else {
		recent.StdDev = 0
	}

	sorted := append([]float64(nil), a.ring...)
	sort.Float64s(sorted)
	n := len(sorted)
	med := sorted[n/2]
	if n%2 == 0 {
		med = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	recent.Median = &med

	dev := make([]float64, n)
	for i, v := range sorted {
		dev[i] = math.Abs(v - med)
	}
	sort.Float64s(dev)
	mad := dev[n/2]
	if n%2 == 0 {
		mad = (dev[n/2-1] + dev[n/2]) / 2
	}
	recent.MedianAbsDev = &mad

	session := &a.stats.Session
	session.Min = a.sesMin
	session.Max = a.sesMax
	session.Mean = a.sum / float64(a.count)
	if a.count > 1 {
		n := float64(a.count)
		variance := (a.sumSq - a.sum*a.sum/n) / (n - 1)
		session.StdDev = math.Sqrt(math.Max(variance, 0))
	} else {
		session.StdDev = 0
	}
}

// Snapshot returns a copy of the current stats.
func (a *Accumulator) Snapshot() ValueStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.stats
	if a.stats.Recent.Median != nil {
		m := *a.stats.Recent.Median
		out.Recent.Median = &m
	}
	if a.stats.Recent.MedianAbsDev != nil {
		m := *a.stats.Recent.MedianAbsDev
		out.Recent.MedianAbsDev = &m
	}
	return out
}

// SessionCount returns the number of samples added since construction or the
// last ResetSession.
func (a *Accumulator) SessionCount() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// ResetSession clears session stats; the recent window is retained.
func (a *Accumulator) ResetSession() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Session = DescriptiveStats{}
	a.count = 0
	a.sum = 0
	a.sumSq = 0
	a.sesMin = 0
	a.sesMax = 0
}
