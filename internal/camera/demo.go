package camera

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/starfix/internal/timeutil"
)

// DemoCamera replays image files from a directory as captures. Used for
// development against recorded sky images; the demo_image_name operation
// setting selects which file is served.
type DemoCamera struct {
	dir   string
	clock timeutil.Clock

	mu       sync.Mutex
	name     string
	pixels   []uint8
	width    int
	height   int
	exposure time.Duration
	gain     int
	offset   int

	frameID int64
}

// NewDemoCamera loads the first image in dir (lexicographic order).
func NewDemoCamera(dir string, clock timeutil.Clock) (*DemoCamera, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	c := &DemoCamera{dir: dir, clock: clock, exposure: 100 * time.Millisecond}
	names, err := c.List()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no demo images in %s", dir)
	}
	if err := c.Select(names[0]); err != nil {
		return nil, err
	}
	return c, nil
}

// List returns the available demo image names.
func (c *DemoCamera) List() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".png", ".jpg", ".jpeg":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Select loads the named demo image.
func (c *DemoCamera) Select(name string) error {
	f, err := os.Open(filepath.Join(c.dir, filepath.Base(name)))
	if err != nil {
		return err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	b := img.Bounds()
	pix := make([]uint8, b.Dx()*b.Dy())
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			// Luma approximation on 16-bit channels.
			pix[i] = uint8((299*r + 587*g + 114*bl) / 1000 >> 8)
			i++
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
	c.pixels = pix
	c.width = b.Dx()
	c.height = b.Dy()
	return nil
}

func (c *DemoCamera) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{Model: "demo:" + c.name, Width: c.width, Height: c.height}
}

func (c *DemoCamera) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Settings{Exposure: c.exposure, Gain: c.gain, Offset: c.offset}
}

func (c *DemoCamera) SetExposure(d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exposure = d
	return nil
}

func (c *DemoCamera) SetGain(gain int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gain = gain
	return nil
}

func (c *DemoCamera) SetOffset(offset int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = offset
	return nil
}

func (c *DemoCamera) Capture(ctx context.Context) (*Frame, error) {
	c.mu.Lock()
	exposure := c.exposure
	width, height := c.width, c.height
	pixels := c.pixels
	offset, gain := c.offset, c.gain
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.clock.After(exposure):
	}

	pix := make([]uint8, len(pixels))
	copy(pix, pixels)
	return &Frame{
		ID:             atomic.AddInt64(&c.frameID, 1),
		Time:           c.clock.Now(),
		Pixels:         pix,
		Width:          width,
		Height:         height,
		Binning:        1,
		Exposure:       exposure,
		Offset:         offset,
		Gain:           gain,
		ParamsAccurate: true,
	}, nil
}

func (c *DemoCamera) Close() error { return nil }
