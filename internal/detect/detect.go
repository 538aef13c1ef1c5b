// Package detect wraps star detection: centroid extraction, noise
// estimation, and the peak/crop summary that Focus-Assist feeds on.
package detect

import (
	"sort"

	"github.com/banshee-data/starfix/internal/alg"
	"github.com/banshee-data/starfix/internal/camera"
)

// StarCandidate is a detected star: sub-pixel centroid in full-resolution
// coordinates with its summed background-subtracted brightness.
type StarCandidate struct {
	Pos        alg.ImageCoord `json:"pos"`
	Brightness float64        `json:"brightness"`
	PeakValue  uint8          `json:"peak_value"`
	PixelCount int            `json:"pixel_count"`
	// NumSaturated counts pixels at full scale within the star.
	NumSaturated int `json:"num_saturated"`
}

// Result is the output of one detection pass.
type Result struct {
	FrameID int64

	// Candidates are sorted by brightness, descending. All positions lie
	// inside the full-resolution frame rectangle.
	Candidates []StarCandidate

	// NoiseRMS estimates the background noise standard deviation.
	NoiseRMS float64

	// HotPixels counts isolated single-pixel spikes that were filtered.
	HotPixels int

	// Histogram of the raw frame.
	Histogram [256]uint32

	// MeanBrightness of the raw frame.
	MeanBrightness float64

	// CenterHistogram and CenterMean summarise the central square region
	// of interest. The focus and daylight exposure policies feed on
	// these, not the full-frame statistics: a bright corner or a dark
	// vignette must not bias them. Populated only when the detector runs
	// with FocusMode or DaylightMode set.
	CenterHistogram [256]uint32
	CenterMean      float64

	// ContrastRatio is the focus feedback metric, computed from a small
	// dedicated central crop with its own 2x2-binned histogram. Focus
	// and daylight modes only.
	ContrastRatio *float64

	// PeakPosition/PeakValue describe the brightest spot of the central
	// region. Populated only when the detector runs with FocusMode set.
	PeakPosition *alg.ImageCoord
	PeakValue    uint8

	// CenterCrop is a small full-resolution cutout around PeakPosition,
	// row-major, CropSize x CropSize. Focus mode only.
	CenterCrop []uint8
	CropSize   int

	// BlackLevel is the display black point derived from the star-free
	// histogram.
	BlackLevel uint8
}

// Options tune one detection pass.
type Options struct {
	// Sigma is the detection threshold in noise standard deviations.
	Sigma float64

	// Binning downsamples the frame before detection (1 or 2). Centroids
	// are always reported in full-resolution coordinates.
	Binning int

	// FocusMode enables the central peak summary and crop.
	FocusMode bool

	// DaylightMode enables the central region-of-interest statistics
	// with the daylight (natural scene) percentiles.
	DaylightMode bool
}

// Detector is the star-detection contract consumed by the pipeline.
type Detector interface {
	Detect(f *camera.Frame, opts Options) (*Result, error)
}

func sortCandidates(c []StarCandidate) {
	sort.Slice(c, func(i, j int) bool { return c[i].Brightness > c[j].Brightness })
}

// TopPeakMean averages the peak values of the n brightest candidates.
// ok is false when nothing was detected.
func (r *Result) TopPeakMean(n int) (uint8, bool) {
	if len(r.Candidates) == 0 {
		return 0, false
	}
	if n > len(r.Candidates) {
		n = len(r.Candidates)
	}
	sum := 0
	for _, c := range r.Candidates[:n] {
		sum += int(c.PeakValue)
	}
	return uint8(sum / n), true
}

// HistogramPeak estimates a display white point when no stars were
// detected: a quarter of the way from the brightest population toward full
// scale.
func (r *Result) HistogramPeak() uint8 {
	// Average of the top 5 occupied histogram values.
	var levels []int
	for v := 255; v >= 0 && len(levels) < 5; v-- {
		if r.Histogram[v] > 0 {
			levels = append(levels, v)
		}
	}
	if len(levels) == 0 {
		return 255
	}
	sum := 0
	for _, v := range levels {
		sum += v
	}
	top := sum / len(levels)
	return uint8(top + (255-top)/4)
}
