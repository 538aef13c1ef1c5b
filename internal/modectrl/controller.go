// Package modectrl owns the Setup/Operate mode machine, the boresight, the
// calibration state, and the orchestration that turns pipeline output into
// published snapshots. Mode, calibration data and boresight live under one
// short-critical-section mutex; the calibration transition inspects and
// updates all three atomically.
package modectrl

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/starfix/internal/alg"
	"github.com/banshee-data/starfix/internal/assemble"
	"github.com/banshee-data/starfix/internal/camera"
	"github.com/banshee-data/starfix/internal/db"
	"github.com/banshee-data/starfix/internal/detect"
	"github.com/banshee-data/starfix/internal/monitoring"
	"github.com/banshee-data/starfix/internal/motion"
	"github.com/banshee-data/starfix/internal/pipeline"
	"github.com/banshee-data/starfix/internal/prefs"
	"github.com/banshee-data/starfix/internal/slew"
	"github.com/banshee-data/starfix/internal/solver"
	"github.com/banshee-data/starfix/internal/timeutil"
)

// ErrInvalidSettings rejects a settings patch in full; nothing is applied.
var ErrInvalidSettings = errors.New("invalid_argument")

const (
	ModeSetup   = "setup"
	ModeOperate = "operate"
)

// Config wires a Controller.
type Config struct {
	Engine   *pipeline.Engine
	Detector detect.Detector
	Solver   solver.Solver
	Prefs    *prefs.Store
	DB       *db.DB // optional
	Snaps    *assemble.SnapshotStore
	Slews    *slew.Supervisor
	Clock    timeutil.Clock

	Version    string
	SolverAddr string
	DataDir    string

	// DemoCamera, when the server runs against the demo image directory,
	// lets the demo_image_name setting switch images.
	DemoCamera *camera.DemoCamera

	// RequestShutdown asks the process to exit (or restart) after a
	// graceful flush.
	RequestShutdown func(restart bool)

	// StarCountGoal and DetectSigma seed the operation defaults.
	StarCountGoal int
	DetectSigma   float64
}

// Controller is the mode state machine plus snapshot orchestration.
type Controller struct {
	cfg   Config
	clock timeutil.Clock
	asm   *assemble.Assembler
	polar *motion.PolarAnalyzer

	// motionEst is only touched from the pipeline's OnResult goroutine.
	motionEst *motion.Estimator

	sessionID string

	mu sync.Mutex
	// Mode + sub-modes.
	mode        string
	focusAssist bool
	daylight    bool

	// Calibration state.
	calibrating   bool
	calProgress   float64
	calFailure    string
	calData       *assemble.CalibrationData
	calCancel     context.CancelFunc
	calCameraName string // camera identity the calibration belongs to

	boresight alg.ImageCoord

	fixed assemble.FixedSettings
	op    assemble.OperationSettings

	// timeOffset adjusts the process clock to the client-supplied time.
	timeOffset time.Duration
	timeSet    bool

	// Dwell bookkeeping for the dwelled-position log.
	dwelling    bool
	dwellStart  time.Time
	dwellPos    alg.CelestialCoord
	dwellSolves int

	lastFrame *camera.Frame
}

// NewController builds the controller and seeds settings from preferences.
func NewController(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	p := cfg.Prefs.Get()

	c := &Controller{
		cfg:       cfg,
		clock:     cfg.Clock,
		asm:       assemble.NewAssembler(),
		polar:     motion.NewPolarAnalyzer(),
		motionEst: motion.NewEstimator(10 * time.Second),
		sessionID: uuid.NewString(),
		mode:      ModeSetup,
	}

	info := cfg.Engine.Camera().Info()
	if p.Boresight != nil {
		c.boresight = *p.Boresight
	} else {
		c.boresight = alg.ImageCoord{X: float64(info.Width) / 2, Y: float64(info.Height) / 2}
	}
	c.calCameraName = info.Model

	c.fixed = assemble.FixedSettings{
		ObserverLocation: p.Observer,
		SessionName:      p.SessionName,
		MaxExposureMS:    p.MaxExposure.Milliseconds(),
	}
	c.op = assemble.OperationSettings{
		Mode:                  ModeSetup,
		UpdateIntervalMS:      p.UpdateInterval.Milliseconds(),
		DwellUpdateIntervalMS: p.DwellUpdateInterval.Milliseconds(),
		LogDwelledPositions:   p.LogDwelledPositions,
		CatalogFilter:         p.CatalogFilter,
	}

	cfg.Engine.SetMaxExposure(p.MaxExposure)
	if cfg.StarCountGoal > 0 {
		cfg.Engine.SetStarCountGoal(cfg.StarCountGoal)
	}
	c.mu.Lock()
	c.applyEngineConfigLocked()
	c.mu.Unlock()
	return c
}

// SessionID identifies this server run.
func (c *Controller) SessionID() string { return c.sessionID }

// Boresight returns the current boresight pixel.
func (c *Controller) Boresight() alg.ImageCoord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boresight
}

// BoresightSky returns the boresight's most recently solved sky position.
func (c *Controller) BoresightSky() (alg.CelestialCoord, bool) {
	cur := c.cfg.Snaps.Current()
	if cur == nil || cur.BoresightSky == nil {
		return alg.CelestialCoord{}, false
	}
	return *cur.BoresightSky, true
}

// now returns the effective wall clock: the process clock adjusted by the
// client-supplied time, if any.
func (c *Controller) now() time.Time {
	return c.clock.Now().Add(c.timeOffset)
}

// Now is the exported effective wall clock.
func (c *Controller) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}

// OnResult is the pipeline publish hook: derive, assemble, install.
func (c *Controller) OnResult(out *pipeline.Output) {
	c.deriveMotion(out)

	c.mu.Lock()
	ctx := c.assembleContextLocked(out)
	if out != nil && out.Frame != nil {
		c.lastFrame = out.Frame
	}
	c.mu.Unlock()

	c.cfg.Snaps.Publish(c.asm.Build(out, ctx))
}

// deriveMotion feeds the motion analyzer, polar analyzer, slew supervisor
// and dwell log from one tick. Runs on the pipeline goroutine.
func (c *Controller) deriveMotion(out *pipeline.Output) {
	if out == nil || out.Frame == nil {
		return
	}
	var pos *alg.CelestialCoord
	var boresightSky alg.CelestialCoord
	if out.Solution != nil {
		boresightSky = out.Solution.ImageCenter
		if n := len(out.Solution.TargetCoords); n > 0 {
			boresightSky = out.Solution.TargetCoords[n-1]
		}
		pos = &boresightSky
	}
	c.motionEst.Add(out.Frame.Time, pos)
	est := c.motionEst.Get()

	c.mu.Lock()
	observer := c.fixed.ObserverLocation
	now := c.now()
	mode := c.mode
	op := c.op
	boresightPix := c.boresight
	polar := c.polar
	c.mu.Unlock()

	// Dwell pacing: a dwelling operate-mode camera drops to the slower
	// dwell interval.
	interval := time.Duration(op.UpdateIntervalMS) * time.Millisecond
	if mode == ModeOperate && est.Dwelling() && op.DwellUpdateIntervalMS > 0 {
		interval = time.Duration(op.DwellUpdateIntervalMS) * time.Millisecond
	}
	c.cfg.Engine.SetUpdateInterval(interval)

	c.trackDwell(out, est, op, now)

	if out.Solution != nil {
		altAz := true
		if mt := c.cfg.Prefs.Get().MountType; mt == "equatorial" {
			altAz = false
		}
		c.cfg.Slews.Refresh(boresightSky, out.Solution.Roll, out.Solution,
			slew.FrameGeometry{Width: out.Frame.Width, Height: out.Frame.Height},
			boresightPix, observer, now, altAz)

		if observer != nil {
			ha := alg.HourAngle(boresightSky.RA, observer.Longitude, now)
			polar.ProcessSolution(boresightSky, ha, observer.Latitude, est)
		}
	}
}

// trackDwell maintains the dwelled-position log.
func (c *Controller) trackDwell(out *pipeline.Output, est motion.Estimate,
	op assemble.OperationSettings, now time.Time) {

	dwelling := est.Dwelling()
	switch {
	case dwelling && !c.dwelling:
		c.dwelling = true
		c.dwellStart = now
		c.dwellSolves = 0
	case dwelling:
		if out.Solution != nil {
			c.dwellSolves++
			c.dwellPos = out.Solution.ImageCenter
		}
	case !dwelling && c.dwelling:
		c.dwelling = false
		if op.LogDwelledPositions && c.cfg.DB != nil && c.dwellSolves > 0 {
			err := c.cfg.DB.RecordDwelledPosition(db.DwelledPosition{
				Start:      c.dwellStart,
				End:        now,
				Position:   c.dwellPos,
				SolveCount: c.dwellSolves,
				Session:    c.sessionID,
			})
			if err != nil {
				monitoring.Opsf("modectrl: dwell log: %v", err)
			}
		}
	}
}

// assembleContextLocked snapshots the state the assembler needs. Caller
// holds c.mu.
func (c *Controller) assembleContextLocked(out *pipeline.Output) assemble.Context {
	info := assemble.ServerInformation{
		Version:    c.cfg.Version,
		SessionID:  c.sessionID,
		SolverAddr: c.cfg.SolverAddr,
	}
	camInfo := c.cfg.Engine.Camera().Info()
	info.Camera = &camInfo

	stats := c.processingStats()

	est := c.motionEst.Get()
	advice := c.polar.Advice()
	ctx := assemble.Context{
		ServerInfo:          info,
		Fixed:               c.fixed,
		Op:                  c.op,
		Preferences:         c.cfg.Prefs.Get(),
		Calibrating:         c.calibrating,
		CalibrationProgress: c.calProgress,
		CalibrationData:     c.calData,
		CalibrationFailure:  c.calFailure,
		Boresight:           c.boresight,
		Observer:            c.fixed.ObserverLocation,
		Now:                 c.now(),
		Motion:              &est,
		Polar:               &advice,
		Slew:                c.cfg.Slews.Active(),
		Stats:               stats,
	}
	return ctx
}

func (c *Controller) processingStats() *assemble.ProcessingStats {
	s := c.cfg.Engine.Stats()
	return &assemble.ProcessingStats{
		CaptureLatency:       s.CaptureLatency.Snapshot(),
		DetectLatency:        s.DetectLatency.Snapshot(),
		SolveLatency:         s.SolveLatency.Snapshot(),
		OverallLatency:       s.OverallLatency.Snapshot(),
		SolveAttemptFraction: s.SolveAttempt.Snapshot(),
		SolveSuccessFraction: s.SolveSuccess.Snapshot(),
		SessionFrameCount:    s.SolveAttempt.SessionCount(),
	}
}

// applyEngineConfigLocked pushes the current mode's detect, auto-exposure
// and solve policies into the pipeline. Caller holds c.mu.
func (c *Controller) applyEngineConfigLocked() {
	e := c.cfg.Engine
	sigma := c.cfg.DetectSigma
	if sigma <= 0 {
		sigma = 8
	}

	switch {
	case c.focusAssist:
		e.SetExposurePolicy(pipeline.PolicyFocusPeak)
		e.SetDetectConfig(pipeline.DetectConfig{Sigma: sigma, Binning: 2, FocusMode: true})
		e.SetSolveConfig(pipeline.SolveConfig{Enabled: false})
	case c.daylight:
		e.SetExposurePolicy(pipeline.PolicyDaylight)
		e.SetDetectConfig(pipeline.DetectConfig{Sigma: sigma, Binning: 2, DaylightMode: true})
		e.SetSolveConfig(pipeline.SolveConfig{Enabled: false})
	default:
		e.SetExposurePolicy(pipeline.PolicyStarCount)
		e.SetDetectConfig(pipeline.DetectConfig{Sigma: sigma, Binning: 2})
		bore := c.boresight
		solveCfg := pipeline.SolveConfig{
			Enabled:        true,
			MinStars:       solver.MinimumStars,
			BoresightPixel: &bore,
		}
		if c.mode == ModeOperate && c.calData != nil {
			solveCfg.Params = solver.Params{
				FOVEstimate:   c.calData.FOVHorizontal,
				FOVTolerance:  c.calData.FOVHorizontal / 10,
				DistortionHint: &c.calData.Distortion,
				MatchMaxError: c.calData.MatchMaxError,
				Timeout:       5 * time.Second,
			}
		} else {
			solveCfg.Params = solver.Params{Timeout: 10 * time.Second}
		}
		e.SetSolveConfig(solveCfg)
	}
}

// FixedSettingsPatch is a partial update to the fixed settings.
type FixedSettingsPatch struct {
	ObserverLocation *alg.LatLong `json:"observer_location,omitempty"`
	CurrentTimeMS    *int64       `json:"current_time_ms,omitempty"`
	SessionName      *string      `json:"session_name,omitempty"`
	MaxExposureMS    *int64       `json:"max_exposure_ms,omitempty"`
}

// UpdateFixedSettings applies the patch and returns the full record.
// Rejected patches leave everything unchanged.
func (c *Controller) UpdateFixedSettings(p FixedSettingsPatch) (assemble.FixedSettings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.MaxExposureMS != nil && *p.MaxExposureMS <= 0 {
		return c.fixed, fmt.Errorf("%w: max_exposure_ms must be positive", ErrInvalidSettings)
	}
	if p.ObserverLocation != nil {
		loc := *p.ObserverLocation
		if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 360 {
			return c.fixed, fmt.Errorf("%w: observer location out of range", ErrInvalidSettings)
		}
		c.fixed.ObserverLocation = &loc
		if _, err := c.cfg.Prefs.Mutate(func(pr *prefs.Preferences) {
			pr.Observer = &loc
		}); err != nil {
			monitoring.Opsf("modectrl: persist observer: %v", err)
		}
	}
	if p.CurrentTimeMS != nil {
		client := time.UnixMilli(*p.CurrentTimeMS)
		c.timeOffset = client.Sub(c.clock.Now())
		c.timeSet = true
	}
	if p.SessionName != nil {
		c.fixed.SessionName = *p.SessionName
		if _, err := c.cfg.Prefs.Mutate(func(pr *prefs.Preferences) {
			pr.SessionName = *p.SessionName
		}); err != nil {
			monitoring.Opsf("modectrl: persist session name: %v", err)
		}
	}
	if p.MaxExposureMS != nil {
		d := time.Duration(*p.MaxExposureMS) * time.Millisecond
		c.fixed.MaxExposureMS = *p.MaxExposureMS
		c.cfg.Engine.SetMaxExposure(d)
		if _, err := c.cfg.Prefs.Mutate(func(pr *prefs.Preferences) {
			pr.MaxExposure = d
		}); err != nil {
			monitoring.Opsf("modectrl: persist max exposure: %v", err)
		}
	}
	return c.fixed, nil
}

// OperationSettingsPatch is a partial update to the operation settings.
type OperationSettingsPatch struct {
	Mode                  *string `json:"mode,omitempty"`
	FocusAssistMode       *bool   `json:"focus_assist_mode,omitempty"`
	DaylightMode          *bool   `json:"daylight_mode,omitempty"`
	UpdateIntervalMS      *int64  `json:"update_interval_ms,omitempty"`
	DwellUpdateIntervalMS *int64  `json:"dwell_update_interval_ms,omitempty"`
	LogDwelledPositions   *bool   `json:"log_dwelled_positions,omitempty"`
	CatalogFilter         *string `json:"catalog_filter,omitempty"`
	DemoImageName         *string `json:"demo_image_name,omitempty"`
}

// UpdateOperationSettings validates and applies the patch, returning the
// full record. An invalid patch is rejected whole.
func (c *Controller) UpdateOperationSettings(p OperationSettingsPatch) (assemble.OperationSettings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Validate before any field is applied.
	if p.Mode != nil && *p.Mode != ModeSetup && *p.Mode != ModeOperate {
		return c.op, fmt.Errorf("%w: unknown mode %q", ErrInvalidSettings, *p.Mode)
	}
	focus := c.focusAssist
	daylight := c.daylight
	if p.FocusAssistMode != nil {
		focus = *p.FocusAssistMode
	}
	if p.DaylightMode != nil {
		daylight = *p.DaylightMode
	}
	// Daylight and Focus-Assist are mutually exclusive; the second is
	// rejected rather than silently dropping the first.
	if focus && daylight {
		return c.op, fmt.Errorf("%w: focus_assist_mode and daylight_mode are mutually exclusive",
			ErrInvalidSettings)
	}

	if p.UpdateIntervalMS != nil {
		c.op.UpdateIntervalMS = *p.UpdateIntervalMS
	}
	if p.DwellUpdateIntervalMS != nil {
		c.op.DwellUpdateIntervalMS = *p.DwellUpdateIntervalMS
	}
	if p.LogDwelledPositions != nil {
		c.op.LogDwelledPositions = *p.LogDwelledPositions
	}
	if p.CatalogFilter != nil {
		c.op.CatalogFilter = *p.CatalogFilter
	}
	if p.DemoImageName != nil {
		c.op.DemoImageName = *p.DemoImageName
		if c.cfg.DemoCamera != nil && *p.DemoImageName != "" {
			if err := c.cfg.DemoCamera.Select(*p.DemoImageName); err != nil {
				monitoring.Opsf("modectrl: demo image %q: %v", *p.DemoImageName, err)
			}
		}
		// Calibration data belongs to one camera identity; switching the
		// demo image changes it.
		if model := c.cfg.Engine.Camera().Info().Model; model != c.calCameraName {
			c.calCameraName = model
			c.calData = nil
			if c.mode == ModeOperate {
				c.enterSetupLocked()
			}
		}
	}
	if _, err := c.cfg.Prefs.Mutate(func(pr *prefs.Preferences) {
		pr.UpdateInterval = time.Duration(c.op.UpdateIntervalMS) * time.Millisecond
		pr.DwellUpdateInterval = time.Duration(c.op.DwellUpdateIntervalMS) * time.Millisecond
		pr.LogDwelledPositions = c.op.LogDwelledPositions
		pr.CatalogFilter = c.op.CatalogFilter
	}); err != nil {
		monitoring.Opsf("modectrl: persist operation settings: %v", err)
	}

	c.focusAssist = focus
	c.daylight = daylight
	c.op.FocusAssistMode = focus
	c.op.DaylightMode = daylight
	c.cfg.Engine.SetUpdateInterval(time.Duration(c.op.UpdateIntervalMS) * time.Millisecond)

	if p.Mode != nil && *p.Mode != c.mode {
		switch *p.Mode {
		case ModeOperate:
			c.beginCalibrationLocked()
		case ModeSetup:
			c.enterSetupLocked()
		}
	}
	c.applyEngineConfigLocked()
	return c.op, nil
}

// Mode returns the current mode string.
func (c *Controller) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// enterSetupLocked leaves operate mode: cancels any slew, clears solver
// constraints, and drops operate-only derived data. Caller holds c.mu.
func (c *Controller) enterSetupLocked() {
	c.mode = ModeSetup
	c.op.Mode = ModeSetup
	c.cfg.Slews.Stop()
	c.polar = motion.NewPolarAnalyzer()
	c.applyEngineConfigLocked()
}

// DesignateBoresight sets the boresight to a client-tapped image
// coordinate and persists it.
func (c *Controller) DesignateBoresight(pos alg.ImageCoord) error {
	info := c.cfg.Engine.Camera().Info()
	if pos.X < 0 || pos.X >= float64(info.Width) || pos.Y < 0 || pos.Y >= float64(info.Height) {
		return fmt.Errorf("%w: boresight outside the frame", ErrInvalidSettings)
	}
	c.mu.Lock()
	c.boresight = pos
	c.applyEngineConfigLocked()
	c.mu.Unlock()
	return c.persistBoresight(pos)
}

// CaptureBoresight moves the boresight to the active slew target's current
// pixel. A no-op unless a slew is active and the target is on-sensor.
func (c *Controller) CaptureBoresight() error {
	req := c.cfg.Slews.Active()
	if req == nil {
		return fmt.Errorf("%w: no active slew", ErrInvalidSettings)
	}
	if req.ImagePos == nil {
		return fmt.Errorf("%w: slew target not on sensor", ErrInvalidSettings)
	}
	pos := *req.ImagePos
	c.mu.Lock()
	c.boresight = pos
	c.applyEngineConfigLocked()
	c.mu.Unlock()
	return c.persistBoresight(pos)
}

func (c *Controller) persistBoresight(pos alg.ImageCoord) error {
	_, err := c.cfg.Prefs.Mutate(func(pr *prefs.Preferences) {
		p := pos
		pr.Boresight = &p
	})
	return err
}

// SaveImage writes the current raw frame as a PNG into the data directory.
func (c *Controller) SaveImage() (string, error) {
	c.mu.Lock()
	frame := c.lastFrame
	c.mu.Unlock()
	if frame == nil {
		return "", fmt.Errorf("no frame to save")
	}
	img := &image.Gray{
		Pix:    frame.Pixels,
		Stride: frame.Width,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}
	name := fmt.Sprintf("frame_%d.png", frame.ID)
	path := filepath.Join(c.cfg.DataDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return "", err
	}
	monitoring.Diagf("modectrl: saved %s", path)
	return path, nil
}

// ClearDontShows empties the dismissed-hint list.
func (c *Controller) ClearDontShows() error {
	_, err := c.cfg.Prefs.Mutate(func(pr *prefs.Preferences) {
		pr.DontShows = nil
	})
	return err
}

// Shutdown flushes state and asks the process to exit.
func (c *Controller) Shutdown(restart bool) {
	monitoring.Opsf("modectrl: shutdown requested (restart=%v)", restart)
	if c.cfg.RequestShutdown != nil {
		c.cfg.RequestShutdown(restart)
	}
}
