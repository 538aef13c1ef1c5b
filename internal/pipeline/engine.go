package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/starfix/internal/alg"
	"github.com/banshee-data/starfix/internal/camera"
	"github.com/banshee-data/starfix/internal/detect"
	"github.com/banshee-data/starfix/internal/monitoring"
	"github.com/banshee-data/starfix/internal/solver"
	"github.com/banshee-data/starfix/internal/timeutil"
	"github.com/banshee-data/starfix/internal/valstats"
)

// Output is one finished pipeline tick, handed to the result assembler.
// All fields derive from the same raw frame.
type Output struct {
	// Frame is nil when the camera is faulted; the tick still publishes
	// so clients keep seeing server information.
	Frame  *camera.Frame
	Detect *detect.Result

	// Solution, when non-nil, is complete. SolveFailure is set when a
	// solve was attempted and failed.
	Solution       *solver.Solution
	SolveFailure   solver.FailureReason
	SolveAttempted bool

	// CameraFault carries the capture error text while the camera is
	// unavailable.
	CameraFault string

	DetectDuration time.Duration
	SolveDuration  time.Duration
}

// CameraRequest is a partial camera settings change, applied by the
// integrate worker between exposures.
type CameraRequest struct {
	Exposure *time.Duration
	Gain     *int
	Offset   *int
}

// DetectConfig is the detector policy in effect.
type DetectConfig struct {
	Sigma        float64
	Binning      int
	FocusMode    bool
	DaylightMode bool
}

// SolveConfig is the solver policy in effect.
type SolveConfig struct {
	Enabled  bool
	Params   solver.Params
	MinStars int

	// BoresightPixel, when set, is appended to TargetPixels so every
	// solution reports the boresight sky position.
	BoresightPixel *alg.ImageCoord
}

// Stats aggregates per-stage timings and solve outcome fractions. Recent
// window plus session aggregates, per the stats model used everywhere else.
type Stats struct {
	CaptureLatency *valstats.Accumulator // ms, exposure end to frame in hand
	DetectLatency  *valstats.Accumulator // ms
	SolveLatency   *valstats.Accumulator // ms, attempted solves only
	OverallLatency *valstats.Accumulator // ms, capture complete to publish
	SolveAttempt   *valstats.Accumulator // 0/1 per frame
	SolveSuccess   *valstats.Accumulator // 0/1 per attempted solve
}

func newStats() *Stats {
	const window = 100
	return &Stats{
		CaptureLatency: valstats.NewAccumulator(window),
		DetectLatency:  valstats.NewAccumulator(window),
		SolveLatency:   valstats.NewAccumulator(window),
		OverallLatency: valstats.NewAccumulator(window),
		SolveAttempt:   valstats.NewAccumulator(window),
		SolveSuccess:   valstats.NewAccumulator(window),
	}
}

// ResetSession clears session aggregates on every metric.
func (s *Stats) ResetSession() {
	s.CaptureLatency.ResetSession()
	s.DetectLatency.ResetSession()
	s.SolveLatency.ResetSession()
	s.OverallLatency.ResetSession()
	s.SolveAttempt.ResetSession()
	s.SolveSuccess.ResetSession()
}

// Config wires an Engine.
type Config struct {
	Camera   camera.Camera
	Detector detect.Detector
	Solver   solver.Solver
	Clock    timeutil.Clock

	MaxExposure time.Duration

	// OnResult receives every finished tick. Called from the solve
	// worker; must not block for long.
	OnResult func(*Output)
}

// Engine runs the integrate → detect → solve → publish conveyor.
type Engine struct {
	cfg   Config
	clock timeutil.Clock

	detectSlot  *slot[*camera.Frame]
	solveSlot   *slot[*detected]
	settingsReq *slot[CameraRequest]

	auto  *autoExposure
	stats *Stats

	mu             sync.Mutex
	detectCfg      DetectConfig
	solveCfg       SolveConfig
	updateInterval time.Duration
	lastCapture    time.Time

	// camToken serialises camera ownership between the integrate worker
	// and the calibrator. Capacity one; holding the token is holding the
	// camera.
	camToken chan struct{}

	wg sync.WaitGroup
}

type detected struct {
	frame     *camera.Frame
	result    *detect.Result
	detectDur time.Duration
}

// New creates an Engine. Run must be called to start the workers.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.MaxExposure == 0 {
		cfg.MaxExposure = time.Second
	}
	e := &Engine{
		cfg:         cfg,
		clock:       cfg.Clock,
		detectSlot:  newSlot[*camera.Frame](),
		solveSlot:   newSlot[*detected](),
		settingsReq: newSlot[CameraRequest](),
		auto:        newAutoExposure(cfg.MaxExposure),
		stats:       newStats(),
		detectCfg:   DetectConfig{Sigma: 8, Binning: 2},
		solveCfg:    SolveConfig{Enabled: true, MinStars: solver.MinimumStars},
		camToken:    make(chan struct{}, 1),
	}
	e.camToken <- struct{}{}
	return e
}

// SetOnResult installs the publish hook. Must be called before Run.
func (e *Engine) SetOnResult(fn func(*Output)) {
	e.cfg.OnResult = fn
}

// Run starts the stage workers and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(3)
	go func() { defer e.wg.Done(); e.integrateWorker(ctx) }()
	go func() { defer e.wg.Done(); e.detectWorker(ctx) }()
	go func() { defer e.wg.Done(); e.solveWorker(ctx) }()
	e.wg.Wait()
}

// Stats exposes the engine's accumulators.
func (e *Engine) Stats() *Stats { return e.stats }

// The mode controller drives the auto-exposure policy through these.
func (e *Engine) SetExposurePolicy(p ExposurePolicy)    { e.auto.setPolicy(p) }
func (e *Engine) SetAutoExposureEnabled(enabled bool)   { e.auto.setEnabled(enabled) }
func (e *Engine) SetStarCountGoal(goal int)             { e.auto.setStarCountGoal(goal) }
func (e *Engine) SetCalibratedExposure(d time.Duration) { e.auto.setCalibrated(d) }
func (e *Engine) SetMaxExposure(d time.Duration)        { e.auto.setMaxExposure(d) }

// RequestCameraSettings submits a partial settings change; the integrate
// worker applies it before the next capture. Latest request wins.
func (e *Engine) RequestCameraSettings(req CameraRequest) {
	e.settingsReq.put(req)
}

// SetDetectConfig swaps the detector policy, effective next frame.
func (e *Engine) SetDetectConfig(cfg DetectConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.Sigma <= 0 {
		cfg.Sigma = e.detectCfg.Sigma
	}
	if cfg.Binning == 0 {
		cfg.Binning = e.detectCfg.Binning
	}
	e.detectCfg = cfg
}

// SetSolveConfig swaps the solver policy, effective next frame.
func (e *Engine) SetSolveConfig(cfg SolveConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.MinStars == 0 {
		cfg.MinStars = solver.MinimumStars
	}
	e.solveCfg = cfg
}

// SetUpdateInterval paces captures: the integrate worker waits out the
// remainder of the interval between capture starts. Zero runs flat out.
func (e *Engine) SetUpdateInterval(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updateInterval = d
}

// AcquireCamera hands exclusive camera ownership to the caller (the
// calibrator). The integrate worker pauses until the release func is called.
func (e *Engine) AcquireCamera(ctx context.Context) (release func(), err error) {
	select {
	case <-e.camToken:
		return func() { e.camToken <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Camera returns the engine's camera for use under AcquireCamera.
func (e *Engine) Camera() camera.Camera { return e.cfg.Camera }

func (e *Engine) integrateWorker(ctx context.Context) {
	faultRetry := time.Second
	for ctx.Err() == nil {
		e.pace(ctx)

		select {
		case <-e.camToken:
		case <-ctx.Done():
			return
		}

		select {
		case r := <-e.settingsReq.ch:
			e.applySettings(r)
		default:
		}

		captureStart := e.clock.Now()
		frame, err := e.cfg.Camera.Capture(ctx)
		e.camToken <- struct{}{}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, camera.ErrCameraFault) {
				monitoring.Opsf("pipeline: camera fault: %v", err)
				e.publish(&Output{CameraFault: err.Error()})
				select {
				case <-e.clock.After(faultRetry):
				case <-ctx.Done():
				}
				if faultRetry < 5*time.Second {
					faultRetry *= 2
				}
				continue
			}
			// Transient dropped frame: retry immediately.
			monitoring.Diagf("pipeline: dropped frame: %v", err)
			metricFramesDropped.Inc()
			continue
		}
		faultRetry = time.Second

		e.mu.Lock()
		e.lastCapture = captureStart
		e.mu.Unlock()

		metricFramesTotal.Inc()
		e.stats.CaptureLatency.Add(e.clock.Since(frame.Time).Seconds() * 1000)
		e.detectSlot.put(frame)
	}
}

func (e *Engine) pace(ctx context.Context) {
	e.mu.Lock()
	interval := e.updateInterval
	last := e.lastCapture
	e.mu.Unlock()
	if interval <= 0 || last.IsZero() {
		return
	}
	remaining := interval - e.clock.Since(last)
	if remaining <= 0 {
		return
	}
	select {
	case <-e.clock.After(remaining):
	case <-ctx.Done():
	}
}

func (e *Engine) applySettings(r CameraRequest) {
	cam := e.cfg.Camera
	if r.Exposure != nil {
		if err := cam.SetExposure(*r.Exposure); err != nil {
			monitoring.Opsf("pipeline: set exposure: %v", err)
		}
	}
	if r.Gain != nil {
		if err := cam.SetGain(*r.Gain); err != nil {
			monitoring.Opsf("pipeline: set gain: %v", err)
		}
	}
	if r.Offset != nil {
		if err := cam.SetOffset(*r.Offset); err != nil {
			monitoring.Opsf("pipeline: set offset: %v", err)
		}
	}
}

func (e *Engine) detectWorker(ctx context.Context) {
	for {
		frame, ok := e.detectSlot.get(ctx)
		if !ok {
			return
		}
		e.mu.Lock()
		cfg := e.detectCfg
		e.mu.Unlock()

		start := e.clock.Now()
		res, err := e.cfg.Detector.Detect(frame, detect.Options{
			Sigma:        cfg.Sigma,
			Binning:      cfg.Binning,
			FocusMode:    cfg.FocusMode,
			DaylightMode: cfg.DaylightMode,
		})
		if err != nil {
			monitoring.Opsf("pipeline: detect: %v", err)
			continue
		}
		dur := e.clock.Since(start)
		e.stats.DetectLatency.Add(dur.Seconds() * 1000)

		if next, change := e.auto.next(frame, res); change {
			exp := next
			e.RequestCameraSettings(CameraRequest{Exposure: &exp})
		}

		e.solveSlot.put(&detected{frame: frame, result: res, detectDur: dur})
	}
}

func (e *Engine) solveWorker(ctx context.Context) {
	for {
		d, ok := e.solveSlot.get(ctx)
		if !ok {
			return
		}
		e.mu.Lock()
		cfg := e.solveCfg
		e.mu.Unlock()

		out := &Output{
			Frame:          d.frame,
			Detect:         d.result,
			DetectDuration: d.detectDur,
		}

		if cfg.Enabled && len(d.result.Candidates) >= cfg.MinStars {
			out.SolveAttempted = true
			e.stats.SolveAttempt.Add(1)
			metricSolveAttempts.Inc()

			params := cfg.Params
			if cfg.BoresightPixel != nil {
				params.TargetPixels = append(append([]alg.ImageCoord(nil),
					params.TargetPixels...), *cfg.BoresightPixel)
			}
			centroids := make([]alg.ImageCoord, 0, len(d.result.Candidates))
			for _, c := range d.result.Candidates {
				centroids = append(centroids, c.Pos)
			}

			start := e.clock.Now()
			sol, err := e.cfg.Solver.SolveFromCentroids(
				ctx, centroids, d.frame.Width, d.frame.Height, params)
			dur := e.clock.Since(start)
			out.SolveDuration = dur
			e.stats.SolveLatency.Add(dur.Seconds() * 1000)

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				out.SolveFailure = solver.ReasonOf(err)
				e.stats.SolveSuccess.Add(0)
				monitoring.Tracef("pipeline: solve failed: %v", err)
			} else {
				out.Solution = sol
				e.stats.SolveSuccess.Add(1)
				metricSolveSuccesses.Inc()
			}
		} else {
			e.stats.SolveAttempt.Add(0)
		}

		e.stats.OverallLatency.Add(e.clock.Since(d.frame.Time).Seconds() * 1000)
		e.publish(out)
	}
}

func (e *Engine) publish(out *Output) {
	if e.cfg.OnResult != nil {
		e.cfg.OnResult(out)
	}
}
