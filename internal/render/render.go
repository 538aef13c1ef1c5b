// Package render produces the displayable image from a raw frame: central
// square crop, integer binning down to display size, contrast stretch with
// gamma, and optional rotation to put the zenith at the top.
package render

import (
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Options control one display rendering.
type Options struct {
	// TargetSize is the smallest edge the binning reduces the crop to: the
	// crop is halved while the result stays at or above it, so a crop
	// larger than TargetSize renders with an edge from TargetSize up to
	// just under twice it. A crop smaller than TargetSize is not binned.
	TargetSize int

	// BlackLevel and PeakLevel bound the stretch. Ignored when Natural.
	BlackLevel uint8
	PeakLevel  uint8

	// Gamma applied after the stretch. Zero means 0.7.
	Gamma float64

	// Natural disables the stretch for daylight viewing.
	Natural bool

	// RotationDeg rotates the result counter-clockwise. The output stays
	// the same size; corners are filled black.
	RotationDeg float64
}

// Result carries the rendered image and what was done to it.
type Result struct {
	Image *image.Gray

	// Binning is the integer factor applied relative to the source.
	Binning int

	// RotationDeg echoes the applied rotation.
	RotationDeg float64
}

// Display renders pixels (w x h, row-major) for the client.
func Display(pixels []uint8, w, h int, opts Options) Result {
	if opts.TargetSize <= 0 {
		opts.TargetSize = 640
	}
	if opts.Gamma == 0 {
		opts.Gamma = 0.7
	}

	// Central square crop.
	side := w
	if h < side {
		side = h
	}
	x0 := (w - side) / 2
	y0 := (h - side) / 2

	// Integer binning factor down to the target size.
	binning := 1
	for side/(binning*2) >= opts.TargetSize {
		binning *= 2
	}
	out := binCrop(pixels, w, x0, y0, side, binning)

	if !opts.Natural {
		stretch(out.Pix, opts.BlackLevel, opts.PeakLevel, opts.Gamma)
	}

	if opts.RotationDeg != 0 {
		out = rotate(out, opts.RotationDeg)
	}
	return Result{Image: out, Binning: binning, RotationDeg: opts.RotationDeg}
}

// binCrop averages binning x binning blocks of the crop rectangle.
func binCrop(pixels []uint8, stride, x0, y0, side, binning int) *image.Gray {
	outSide := side / binning
	img := image.NewGray(image.Rect(0, 0, outSide, outSide))
	n := binning * binning
	for oy := 0; oy < outSide; oy++ {
		for ox := 0; ox < outSide; ox++ {
			sum := 0
			for by := 0; by < binning; by++ {
				row := (y0+oy*binning+by)*stride + x0 + ox*binning
				for bx := 0; bx < binning; bx++ {
					sum += int(pixels[row+bx])
				}
			}
			img.Pix[oy*img.Stride+ox] = uint8(sum / n)
		}
	}
	return img
}

// stretch maps [black, peak] onto the full output range and applies gamma.
func stretch(pix []uint8, black, peak uint8, gamma float64) {
	if peak <= black {
		peak = black + 1
	}
	var lut [256]uint8
	span := float64(peak) - float64(black)
	for v := 0; v < 256; v++ {
		t := (float64(v) - float64(black)) / span
		if t < 0 {
			t = 0
		}
		if t > 1 {
			t = 1
		}
		lut[v] = uint8(math.Pow(t, gamma)*255 + 0.5)
	}
	for i, v := range pix {
		pix[i] = lut[v]
	}
}

// rotate turns the image counter-clockwise about its center.
func rotate(src *image.Gray, deg float64) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	cx := float64(b.Dx()) / 2
	cy := float64(b.Dy()) / 2
	rad := deg * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	// Image y grows downward, so a counter-clockwise sky rotation is a
	// clockwise matrix in pixel space.
	m := f64.Aff3{
		cos, sin, cx - cos*cx - sin*cy,
		-sin, cos, cy + sin*cx - cos*cy,
	}
	xdraw.ApproxBiLinear.Transform(dst, m, src, b, xdraw.Src, nil)
	return dst
}
