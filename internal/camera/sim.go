package camera

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/starfix/internal/timeutil"
)

// SimCamera renders a synthetic star field. The rendered brightness scales
// linearly with exposure so the auto-exposure and calibration loops behave
// the way they do against a real sensor.
type SimCamera struct {
	width, height int
	clock         timeutil.Clock

	mu       sync.Mutex
	exposure time.Duration
	gain     int
	offset   int

	// Star field in normalized image coordinates.
	stars []simStar

	// Noise floor RMS at the reference exposure, in counts.
	noiseRMS float64

	// Sky background level per second of exposure, in counts.
	skyRate float64

	// RefExposure is the exposure at which star fluxes below are exact.
	refExposure time.Duration

	frameID int64
	closed  atomic.Bool

	// Fault, when set, makes Capture fail until cleared. Used by tests to
	// exercise camera_fault handling.
	Fault atomic.Bool
}

type simStar struct {
	x, y  float64 // normalized 0..1
	flux  float64 // peak counts at refExposure
	sigma float64 // Gaussian radius in pixels
}

// SimConfig controls a SimCamera.
type SimConfig struct {
	Width, Height int
	NumStars      int
	Seed          int64
	NoiseRMS      float64
	SkyRate       float64
	Clock         timeutil.Clock
}

// NewSimCamera builds a deterministic synthetic camera.
func NewSimCamera(cfg SimConfig) *SimCamera {
	if cfg.Width == 0 {
		cfg.Width = 1280
	}
	if cfg.Height == 0 {
		cfg.Height = 960
	}
	if cfg.NumStars == 0 {
		cfg.NumStars = 40
	}
	if cfg.NoiseRMS == 0 {
		cfg.NoiseRMS = 2.0
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	stars := make([]simStar, 0, cfg.NumStars)
	for i := 0; i < cfg.NumStars; i++ {
		stars = append(stars, simStar{
			x: 0.05 + 0.9*rng.Float64(),
			y: 0.05 + 0.9*rng.Float64(),
			// Flux distribution spans two decades so star count rises
			// with exposure like a real sky.
			flux:  30 * math.Pow(10, 2*rng.Float64()),
			sigma: 1.2 + rng.Float64(),
		})
	}
	return &SimCamera{
		width:       cfg.Width,
		height:      cfg.Height,
		clock:       cfg.Clock,
		exposure:    100 * time.Millisecond,
		stars:       stars,
		noiseRMS:    cfg.NoiseRMS,
		skyRate:     cfg.SkyRate,
		refExposure: 100 * time.Millisecond,
	}
}

func (c *SimCamera) Info() Info {
	return Info{Model: "simulated", Width: c.width, Height: c.height, PixelSizeMicrons: 3.76}
}

func (c *SimCamera) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Settings{Exposure: c.exposure, Gain: c.gain, Offset: c.offset}
}

func (c *SimCamera) SetExposure(d time.Duration) error {
	if d <= 0 {
		d = time.Millisecond
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exposure = d
	return nil
}

func (c *SimCamera) SetGain(gain int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gain = gain
	return nil
}

func (c *SimCamera) SetOffset(offset int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = offset
	return nil
}

// Capture renders a frame. Exposure time is simulated via the clock so
// mocked tests run instantly.
func (c *SimCamera) Capture(ctx context.Context) (*Frame, error) {
	if c.closed.Load() {
		return nil, ErrCameraFault
	}
	if c.Fault.Load() {
		return nil, ErrCameraFault
	}
	c.mu.Lock()
	exposure, gain, offset := c.exposure, c.gain, c.offset
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.clock.After(exposure):
	}

	id := atomic.AddInt64(&c.frameID, 1)
	scale := exposure.Seconds() / c.refExposure.Seconds()
	gainMult := 1 + float64(gain)/100

	pix := make([]uint8, c.width*c.height)
	rng := rand.New(rand.NewSource(id))
	base := float64(offset) + c.skyRate*exposure.Seconds()
	for i := range pix {
		v := base + rng.NormFloat64()*c.noiseRMS
		pix[i] = clamp8(v)
	}
	for _, s := range c.stars {
		c.renderStar(pix, s, scale*gainMult)
	}

	return &Frame{
		ID:             id,
		Time:           c.clock.Now(),
		Pixels:         pix,
		Width:          c.width,
		Height:         c.height,
		Binning:        1,
		Exposure:       exposure,
		Offset:         offset,
		Gain:           gain,
		ParamsAccurate: true,
	}, nil
}

func (c *SimCamera) renderStar(pix []uint8, s simStar, scale float64) {
	cx := s.x * float64(c.width)
	cy := s.y * float64(c.height)
	peak := s.flux * scale
	r := int(4 * s.sigma)
	for dy := -r; dy <= r; dy++ {
		y := int(cy) + dy
		if y < 0 || y >= c.height {
			continue
		}
		for dx := -r; dx <= r; dx++ {
			x := int(cx) + dx
			if x < 0 || x >= c.width {
				continue
			}
			d2 := (float64(x)-cx)*(float64(x)-cx) + (float64(y)-cy)*(float64(y)-cy)
			v := peak * math.Exp(-d2/(2*s.sigma*s.sigma))
			idx := y*c.width + x
			pix[idx] = clamp8(float64(pix[idx]) + v)
		}
	}
}

func (c *SimCamera) Close() error {
	c.closed.Store(true)
	return nil
}

func clamp8(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}
