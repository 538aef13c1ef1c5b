package render

import (
	"testing"
)

func gradient(w, h int) []uint8 {
	pix := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pix[y*w+x] = uint8((x + y) % 256)
		}
	}
	return pix
}

func TestDisplayCropAndBin(t *testing.T) {
	tests := []struct {
		name         string
		w, h, target int
		wantSide     int
		wantBinning  int
	}{
		{"no binning needed", 640, 480, 640, 480, 1},
		{"bin by two", 1280, 960, 480, 480, 2},
		{"bin by four", 4000, 3000, 640, 750, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Display(gradient(tt.w, tt.h), tt.w, tt.h, Options{TargetSize: tt.target})
			b := res.Image.Bounds()
			if b.Dx() != b.Dy() {
				t.Errorf("output not square: %dx%d", b.Dx(), b.Dy())
			}
			if b.Dx() != tt.wantSide {
				t.Errorf("side = %d, want %d", b.Dx(), tt.wantSide)
			}
			if res.Binning != tt.wantBinning {
				t.Errorf("binning = %d, want %d", res.Binning, tt.wantBinning)
			}
		})
	}
}

func TestStretchMapsRange(t *testing.T) {
	w, h := 64, 64
	pix := make([]uint8, w*h)
	for i := range pix {
		pix[i] = 20 // at the black level
	}
	pix[32*w+32] = 200 // one bright pixel

	res := Display(pix, w, h, Options{TargetSize: 64, BlackLevel: 20, PeakLevel: 200})
	img := res.Image
	if v := img.Pix[32*img.Stride+32]; v != 255 {
		t.Errorf("peak pixel = %d, want 255", v)
	}
	if v := img.Pix[0]; v != 0 {
		t.Errorf("background pixel = %d, want 0", v)
	}
}

func TestNaturalMappingSkipsStretch(t *testing.T) {
	w, h := 32, 32
	pix := make([]uint8, w*h)
	for i := range pix {
		pix[i] = 100
	}
	res := Display(pix, w, h, Options{TargetSize: 32, Natural: true, BlackLevel: 90, PeakLevel: 110})
	if v := res.Image.Pix[0]; v != 100 {
		t.Errorf("natural mapping altered pixel: %d, want 100", v)
	}
}

func TestRotationPreservesSize(t *testing.T) {
	w, h := 128, 128
	res := Display(gradient(w, h), w, h, Options{TargetSize: 128, RotationDeg: 33})
	b := res.Image.Bounds()
	if b.Dx() != 128 || b.Dy() != 128 {
		t.Errorf("rotated size %dx%d, want 128x128", b.Dx(), b.Dy())
	}
	if res.RotationDeg != 33 {
		t.Errorf("rotation echo = %v, want 33", res.RotationDeg)
	}
}
