package solver

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/starfix/internal/alg"
)

// Fake is an in-process Solver for tests and the simulated camera. It
// returns a configurable solution, optionally failing or delaying, and
// derives target coordinates from the configured plate scale.
type Fake struct {
	mu sync.Mutex

	// Center/Roll/FOV describe the pretend pointing.
	Center alg.CelestialCoord
	Roll   float64
	FOV    float64

	// Residuals reported on every solution, arcseconds.
	RMS, P90, Max float64

	Distortion float64

	// MinStars below which too_few_stars is returned.
	MinStars int

	// Err, when set, is returned from every call.
	Err error

	// Delay simulates solve latency.
	Delay time.Duration

	// SolveCount tallies calls.
	SolveCount int
}

// NewFake returns a Fake with sane defaults.
func NewFake() *Fake {
	return &Fake{
		Center:   alg.CelestialCoord{RA: 180, Dec: 30},
		FOV:      10,
		RMS:      4,
		P90:      7,
		Max:      11,
		MinStars: MinimumStars,
	}
}

// SetCenter atomically repoints the fake sky.
func (f *Fake) SetCenter(c alg.CelestialCoord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Center = c
}

// SolveFromCentroids implements Solver.
func (f *Fake) SolveFromCentroids(ctx context.Context, centroids []alg.ImageCoord,
	width, height int, p Params) (*Solution, error) {

	f.mu.Lock()
	f.SolveCount++
	err := f.Err
	delay := f.Delay
	center := f.Center
	roll := f.Roll
	fov := f.FOV
	rms, p90, maxErr := f.RMS, f.P90, f.Max
	distortion := f.Distortion
	minStars := f.MinStars
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	if len(centroids) < minStars {
		return nil, &Error{Reason: FailureTooFewStars}
	}

	longer := width
	if height > longer {
		longer = height
	}
	degPerPix := fov / float64(longer)

	sol := &Solution{
		ImageCenter:   center,
		Roll:          roll,
		FOV:           fov,
		Distortion:    distortion,
		RMSError:      rms,
		P90Error:      p90,
		MaxError:      maxErr,
		NumMatches:    len(centroids),
		MatchProb:     1 - 1e-9,
		Epoch:         time.Now(),
		SolveDuration: delay,
	}
	rollR := roll * math.Pi / 180
	sol.Rotation = [9]float64{
		math.Cos(rollR), -math.Sin(rollR), 0,
		math.Sin(rollR), math.Cos(rollR), 0,
		0, 0, 1,
	}
	for _, t := range p.TargetPixels {
		dx := (t.X - float64(width)/2) * degPerPix
		dy := (t.Y - float64(height)/2) * degPerPix
		// Small-angle tangent-plane approximation, adequate for a fake.
		cosDec := math.Cos(center.Dec * math.Pi / 180)
		if cosDec == 0 {
			cosDec = 1e-9
		}
		sol.TargetCoords = append(sol.TargetCoords, alg.CelestialCoord{
			RA:  center.RA - dx/cosDec,
			Dec: center.Dec - dy,
		})
	}
	if p.ReturnMatches {
		for i, c := range centroids {
			if i >= 20 {
				break
			}
			dx := (c.X - float64(width)/2) * degPerPix
			dy := (c.Y - float64(height)/2) * degPerPix
			sol.MatchedStars = append(sol.MatchedStars, MatchedStar{
				Pixel: c,
				Sky:   alg.CelestialCoord{RA: center.RA - dx, Dec: center.Dec - dy},
				Mag:   6,
			})
		}
	}
	return sol, nil
}
