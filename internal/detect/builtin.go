package detect

import (
	"fmt"
	"math"

	"github.com/banshee-data/starfix/internal/alg"
	"github.com/banshee-data/starfix/internal/camera"
)

// BuiltinDetector is a dependency-free centroid extractor: sigma-clipped
// background estimate, thresholding at background + sigma*noise, connected
// component labelling, and intensity-weighted centroids.
type BuiltinDetector struct {
	// MaxCandidates bounds the number of returned stars.
	MaxCandidates int
}

// NewBuiltinDetector returns a detector with default limits.
func NewBuiltinDetector() *BuiltinDetector {
	return &BuiltinDetector{MaxCandidates: 400}
}

const focusCropSize = 31

// Detect implements Detector.
func (d *BuiltinDetector) Detect(f *camera.Frame, opts Options) (*Result, error) {
	if f == nil || len(f.Pixels) != f.Width*f.Height {
		return nil, fmt.Errorf("detect: malformed frame")
	}
	if opts.Sigma <= 0 {
		opts.Sigma = 8.0
	}
	binning := opts.Binning
	if binning != 2 {
		binning = 1
	}

	res := &Result{FrameID: f.ID}

	var sum uint64
	for _, p := range f.Pixels {
		res.Histogram[p]++
		sum += uint64(p)
	}
	res.MeanBrightness = float64(sum) / float64(len(f.Pixels))

	pix, w, h := f.Pixels, f.Width, f.Height
	if binning == 2 {
		pix, w, h = bin2(f.Pixels, f.Width, f.Height)
	}

	background, noise := estimateBackground(pix)
	res.NoiseRMS = noise * float64(binning) // scale back to full-res counts

	threshold := background + opts.Sigma*math.Max(noise, 0.5)
	candidates, hot := labelStars(pix, w, h, background, threshold, d.maxCandidates())
	res.HotPixels = hot

	// Report centroids in full-resolution coordinates.
	for i := range candidates {
		candidates[i].Pos.X = candidates[i].Pos.X*float64(binning) + float64(binning-1)*0.5
		candidates[i].Pos.Y = candidates[i].Pos.Y*float64(binning) + float64(binning-1)*0.5
		clampInside(&candidates[i].Pos, f.Width, f.Height)
	}
	sortCandidates(candidates)
	res.Candidates = candidates

	res.BlackLevel = blackLevel(res.Histogram, res.Candidates)

	if opts.FocusMode || opts.DaylightMode {
		centerROIStats(f, res, binning)
		res.ContrastRatio = contrastRatio(f, opts.DaylightMode)
	}
	if opts.FocusMode {
		d.focusSummary(f, res)
	}
	return res, nil
}

func (d *BuiltinDetector) maxCandidates() int {
	if d.MaxCandidates > 0 {
		return d.MaxCandidates
	}
	return 400
}

// bin2 averages 2x2 blocks.
func bin2(pix []uint8, w, h int) ([]uint8, int, int) {
	bw, bh := w/2, h/2
	out := make([]uint8, bw*bh)
	for y := 0; y < bh; y++ {
		for x := 0; x < bw; x++ {
			s := int(pix[2*y*w+2*x]) + int(pix[2*y*w+2*x+1]) +
				int(pix[(2*y+1)*w+2*x]) + int(pix[(2*y+1)*w+2*x+1])
			out[y*bw+x] = uint8(s / 4)
		}
	}
	return out, bw, bh
}

// estimateBackground samples the image and sigma-clips bright pixels to
// estimate the sky background level and its noise RMS.
func estimateBackground(pix []uint8) (background, noise float64) {
	stride := len(pix)/10000 + 1
	var vals []float64
	for i := 0; i < len(pix); i += stride {
		vals = append(vals, float64(pix[i]))
	}
	mean, std := meanStd(vals)
	// Two clip iterations at 3 sigma.
	for iter := 0; iter < 2; iter++ {
		clipped := vals[:0]
		limit := mean + 3*math.Max(std, 0.5)
		for _, v := range vals {
			if v <= limit {
				clipped = append(clipped, v)
			}
		}
		vals = clipped
		if len(vals) == 0 {
			return mean, std
		}
		mean, std = meanStd(vals)
	}
	return mean, std
}

func meanStd(vals []float64) (mean, std float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean = sum / float64(len(vals))
	var varSum float64
	for _, v := range vals {
		varSum += (v - mean) * (v - mean)
	}
	if len(vals) > 1 {
		std = math.Sqrt(varSum / float64(len(vals)-1))
	}
	return mean, std
}

// labelStars finds connected components above threshold and computes
// intensity-weighted centroids. Single-pixel components count as hot pixels
// and are dropped.
func labelStars(pix []uint8, w, h int, background, threshold float64, limit int) ([]StarCandidate, int) {
	visited := make([]bool, len(pix))
	var out []StarCandidate
	hot := 0

	var stack []int
	for i, p := range pix {
		if visited[i] || float64(p) < threshold {
			continue
		}
		// Flood fill this component.
		stack = stack[:0]
		stack = append(stack, i)
		visited[i] = true
		var sumW, sumX, sumY float64
		var peak uint8
		pixels := 0
		saturated := 0
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			v := float64(pix[idx]) - background
			if v < 0 {
				v = 0
			}
			x := idx % w
			sumW += v
			sumX += v * float64(x)
			sumY += v * float64(idx/w)
			pixels++
			if pix[idx] > peak {
				peak = pix[idx]
			}
			if pix[idx] >= 255 {
				saturated++
			}
			for _, n := range [4]int{idx - 1, idx + 1, idx - w, idx + w} {
				if n < 0 || n >= len(pix) || visited[n] {
					continue
				}
				// Avoid wrapping across row edges.
				if (n == idx-1 && x == 0) || (n == idx+1 && x == w-1) {
					continue
				}
				if float64(pix[n]) >= threshold {
					visited[n] = true
					stack = append(stack, n)
				}
			}
		}
		if pixels < 2 {
			hot++
			continue
		}
		if sumW <= 0 {
			continue
		}
		out = append(out, StarCandidate{
			Pos:          alg.ImageCoord{X: sumX / sumW, Y: sumY / sumW},
			Brightness:   sumW,
			PeakValue:    peak,
			PixelCount:   pixels,
			NumSaturated: saturated,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, hot
}

func clampInside(p *alg.ImageCoord, w, h int) {
	p.X = math.Min(math.Max(p.X, 0), float64(w)-1e-6)
	p.Y = math.Min(math.Max(p.Y, 0), float64(h)-1e-6)
}

// blackLevel puts the display black point near the top of the non-star
// background so display stretching does not show the noise floor.
func blackLevel(hist [256]uint32, stars []StarCandidate) uint8 {
	var total, starPixels uint64
	for _, c := range hist {
		total += uint64(c)
	}
	for _, s := range stars {
		starPixels += uint64(s.PixelCount)
	}
	if total == 0 {
		return 0
	}
	// 98th percentile of the star-free population.
	goal := uint64(float64(total-starPixels) * 0.98)
	var cum uint64
	for v := 0; v < 256; v++ {
		cum += uint64(hist[v])
		if cum >= goal {
			return uint8(v)
		}
	}
	return 255
}

// centerROIStats builds the histogram and mean of the central square crop,
// inset slightly to avoid sensor edges. The focus and daylight exposure
// policies read these instead of the full-frame statistics.
func centerROIStats(f *camera.Frame, res *Result, binning int) {
	side := f.Width
	if f.Height < side {
		side = f.Height
	}
	inset := 8 * binning
	x0 := (f.Width-side)/2 + inset
	x1 := (f.Width+side)/2 - inset
	y0 := (f.Height-side)/2 + inset
	y1 := (f.Height+side)/2 - inset
	if x1 <= x0 || y1 <= y0 {
		return
	}
	var sum uint64
	for y := y0; y < y1; y++ {
		row := y * f.Width
		for x := x0; x < x1; x++ {
			v := f.Pixels[row+x]
			res.CenterHistogram[v]++
			sum += uint64(v)
		}
	}
	res.CenterMean = float64(sum) / float64((x1-x0)*(y1-y0))
}

// contrastRatio measures focus quality from a small dedicated central crop:
// a 2x2-binned histogram (collapses any Bayer mosaic), bright percentile
// against a background percentile. Daylight scenes use the darkest end as
// the background; night scenes use a mid percentile so the sky glow does
// not count as signal.
func contrastRatio(f *camera.Frame, daylight bool) *float64 {
	size := f.Height / 8
	if size < 4 {
		return nil
	}
	x0 := (f.Width - size) / 2
	y0 := (f.Height - size) / 2

	var hist [256]uint32
	for y := y0; y+1 < y0+size; y += 2 {
		for x := x0; x+1 < x0+size; x += 2 {
			s := int(f.Pixels[y*f.Width+x]) + int(f.Pixels[y*f.Width+x+1]) +
				int(f.Pixels[(y+1)*f.Width+x]) + int(f.Pixels[(y+1)*f.Width+x+1])
			hist[s/4]++
		}
	}
	peak := histLevelForFraction(hist, 0.99)
	if peak < 1 {
		peak = 1
	}
	blackFraction := 0.6
	if daylight {
		blackFraction = 0.01
	}
	black := histLevelForFraction(hist, blackFraction)
	ratio := float64(peak-black) / float64(peak)
	return &ratio
}

// histLevelForFraction returns the level below which the given fraction of
// the histogram population lies.
func histLevelForFraction(hist [256]uint32, fraction float64) int {
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

// focusSummary locates the brightest spot in the central half of the frame
// and extracts a small full-resolution crop around it.
func (d *BuiltinDetector) focusSummary(f *camera.Frame, res *Result) {
	x0, x1 := f.Width/4, 3*f.Width/4
	y0, y1 := f.Height/4, 3*f.Height/4
	bestIdx := -1
	var best uint8
	for y := y0; y < y1; y++ {
		row := y * f.Width
		for x := x0; x < x1; x++ {
			if f.Pixels[row+x] > best {
				best = f.Pixels[row+x]
				bestIdx = row + x
			}
		}
	}
	if bestIdx < 0 {
		return
	}
	px, py := bestIdx%f.Width, bestIdx/f.Width

	// Refine to a sub-pixel centroid over a small neighbourhood.
	var sumW, sumX, sumY float64
	for dy := -3; dy <= 3; dy++ {
		for dx := -3; dx <= 3; dx++ {
			x, y := px+dx, py+dy
			if x < 0 || x >= f.Width || y < 0 || y >= f.Height {
				continue
			}
			v := float64(f.Pixels[y*f.Width+x]) - float64(res.BlackLevel)
			if v <= 0 {
				continue
			}
			sumW += v
			sumX += v * float64(x)
			sumY += v * float64(y)
		}
	}
	pos := alg.ImageCoord{X: float64(px), Y: float64(py)}
	if sumW > 0 {
		pos = alg.ImageCoord{X: sumX / sumW, Y: sumY / sumW}
	}
	res.PeakPosition = &pos
	res.PeakValue = best

	half := focusCropSize / 2
	crop := make([]uint8, focusCropSize*focusCropSize)
	for dy := 0; dy < focusCropSize; dy++ {
		for dx := 0; dx < focusCropSize; dx++ {
			x, y := px-half+dx, py-half+dy
			if x < 0 || x >= f.Width || y < 0 || y >= f.Height {
				continue
			}
			crop[dy*focusCropSize+dx] = f.Pixels[y*f.Width+x]
		}
	}
	res.CenterCrop = crop
	res.CropSize = focusCropSize
}
