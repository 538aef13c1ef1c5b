package pipeline

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/starfix/internal/camera"
	"github.com/banshee-data/starfix/internal/detect"
)

// ExposurePolicy selects the auto-exposure metric in effect.
type ExposurePolicy int

const (
	// PolicyStarCount holds the detected star count at a set-point.
	// Used in Operate mode.
	PolicyStarCount ExposurePolicy = iota

	// PolicyFocusPeak holds the brightest central spot near half of
	// saturation. Used in Focus-Assist.
	PolicyFocusPeak

	// PolicyDaylight holds the bright end of the histogram below
	// saturation with a natural mapping. Used in Daylight.
	PolicyDaylight
)

// Exposure ladder: six values per decade starting at 10 microseconds.
var ladderBase = []int64{10, 15, 20, 35, 50, 75}

// ExposureLadder returns the selectable exposure values up to max,
// ascending. The ladder saturates: requesting past the end returns the last
// value.
func ExposureLadder(max time.Duration) []time.Duration {
	var out []time.Duration
	for decade := int64(1); ; decade *= 10 {
		for _, b := range ladderBase {
			d := time.Duration(b*decade) * time.Microsecond
			if d > max {
				return out
			}
			out = append(out, d)
		}
		if decade > int64(time.Hour/time.Microsecond) {
			return out
		}
	}
}

// LadderValue returns the ladder entry at index, clamping to both ends.
func LadderValue(max time.Duration, index int) time.Duration {
	ladder := ExposureLadder(max)
	if len(ladder) == 0 {
		return max
	}
	if index < 0 {
		index = 0
	}
	if index >= len(ladder) {
		index = len(ladder) - 1
	}
	return ladder[index]
}

// Auto-exposure constants, shared with the calibrator's exposure search.
const (
	// brightnessLimit is the mean frame brightness above which exposure
	// is not raised to chase star count.
	brightnessLimit = 192.0

	// starCountDeadbandLo/Hi bound the no-adjustment region of the
	// star-count policy. Shortfalls are corrected aggressively, excess
	// stars are tolerated.
	starCountDeadbandLo = 0.8
	starCountDeadbandHi = 1.6

	// focusDarkCap keeps the average scene below this level in focus
	// mode so twilight does not white out the display.
	focusDarkCap = 32.0

	// focusPeakGoal is the target peak value of the brightest central
	// spot in focus mode.
	focusPeakGoal = 128.0

	// daylightGoal pushes the 90th-percentile brightness toward this.
	daylightGoal = 220.0
)

// autoExposure computes the next exposure from each frame's detection
// statistics. One instance lives in the detect worker; the policy and
// set-points are swapped by the mode controller.
type autoExposure struct {
	mu sync.Mutex

	policy        ExposurePolicy
	enabled       bool
	starCountGoal int
	minExposure   time.Duration
	maxExposure   time.Duration

	// calibrated is the Operate-mode baseline; the star-count policy
	// stays within three stops of it.
	calibrated time.Duration

	// Moving average of recent star counts.
	starCountAvg float64

	// Last known-good auto exposure, used while slewing.
	fallback time.Duration
}

func newAutoExposure(maxExposure time.Duration) *autoExposure {
	return &autoExposure{
		policy:        PolicyStarCount,
		enabled:       true,
		starCountGoal: 20,
		minExposure:   10 * time.Microsecond,
		maxExposure:   maxExposure,
	}
}

func (a *autoExposure) setPolicy(p ExposurePolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.policy != p {
		a.policy = p
		a.starCountAvg = 0
	}
}

func (a *autoExposure) setEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
}

func (a *autoExposure) setStarCountGoal(goal int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if goal > 0 {
		a.starCountGoal = goal
	}
}

func (a *autoExposure) setMaxExposure(max time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxExposure = max
}

func (a *autoExposure) setCalibrated(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calibrated = d
	a.fallback = d
}

// next returns the exposure to use after observing res, or ok=false when no
// change is needed. Frames captured while the sensor was still settling do
// not update the moving average.
func (a *autoExposure) next(frame *camera.Frame, res *detect.Result) (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return 0, false
	}
	cur := frame.Exposure.Seconds()
	var next float64

	switch a.policy {
	case PolicyDaylight:
		// Metric is the bright end of the central region of interest,
		// never the full frame: a dark vignette must not drag it down.
		bright := float64(levelForFraction(res.CenterHistogram, 0.9))
		if bright < 1 {
			bright = 1
		}
		factor := daylightGoal / bright
		if bright > 250 {
			// Saturated: knock exposure back quickly.
			factor = 0.1
		}
		if factor > 0.7 && factor < 1.3 {
			return 0, false
		}
		next = cur * factor

	case PolicyFocusPeak:
		// Scene level checks use the central region of interest; the
		// target is the peak of the brightest central spot.
		var factor float64
		switch {
		case res.CenterMean > 250:
			factor = 0.05
		case res.CenterMean > focusDarkCap:
			factor = focusDarkCap / res.CenterMean
		default:
			peak := math.Max(float64(res.PeakValue), 1)
			factor = focusPeakGoal / peak
		}
		if factor > 0.7 && factor < 1.3 {
			return 0, false
		}
		next = cur * factor

	default: // PolicyStarCount
		n := len(res.Candidates)
		if n < solverWarmupStars {
			// Likely slewing. Fall back to a known-good exposure.
			if a.fallback > 0 && frame.Exposure != a.fallback {
				return a.clamp(a.fallback.Seconds()), true
			}
			return 0, false
		}
		if !frame.ParamsAccurate {
			return 0, false
		}
		const weight = 0.5
		if a.starCountAvg == 0 {
			a.starCountAvg = float64(n)
		} else {
			a.starCountAvg = weight*float64(n) + (1-weight)*a.starCountAvg
		}
		goalFraction := a.starCountAvg / float64(a.starCountGoal)
		if goalFraction < 1.0 && res.MeanBrightness > brightnessLimit {
			// Sky too bright to chase more stars.
			return 0, false
		}
		if goalFraction >= starCountDeadbandLo && goalFraction <= starCountDeadbandHi {
			a.fallback = frame.Exposure
			return 0, false
		}
		next = cur / goalFraction
		if a.calibrated > 0 {
			// Stay within three stops of the calibrated exposure.
			base := a.calibrated.Seconds()
			next = math.Max(next, base/8)
			next = math.Min(next, base*8)
		}
	}

	d := a.clamp(next)
	if d == frame.Exposure {
		return 0, false
	}
	return d, true
}

func (a *autoExposure) clamp(secs float64) time.Duration {
	d := time.Duration(secs * float64(time.Second))
	if d < a.minExposure {
		d = a.minExposure
	}
	if a.maxExposure > 0 && d > a.maxExposure {
		d = a.maxExposure
	}
	return d
}

// solverWarmupStars is the count below which the scene is assumed to be in
// motion (slewing) rather than under-exposed.
const solverWarmupStars = 4

// levelForFraction returns the pixel value below which the given fraction of
// the histogram population lies.
func levelForFraction(hist [256]uint32, fraction float64) int {
	var total uint64
	for _, c := range hist {
		total += uint64(c)
	}
	if total == 0 {
		return 0
	}
	goal := uint64(fraction * float64(total))
	var cum uint64
	for v := 0; v < 256; v++ {
		cum += uint64(hist[v])
		if cum >= goal {
			return v
		}
	}
	return 255
}
