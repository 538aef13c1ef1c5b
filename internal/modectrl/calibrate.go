package modectrl

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/starfix/internal/alg"
	"github.com/banshee-data/starfix/internal/assemble"
	"github.com/banshee-data/starfix/internal/camera"
	"github.com/banshee-data/starfix/internal/db"
	"github.com/banshee-data/starfix/internal/detect"
	"github.com/banshee-data/starfix/internal/monitoring"
	"github.com/banshee-data/starfix/internal/solver"
)

// Calibration step weights for the progress estimate.
const (
	progressOffset   = 0.25
	progressExposure = 0.50
	progressOptical  = 0.90
)

const (
	// maxOffset bounds the black-level sweep.
	maxOffset = 20

	// zeroPixelFraction is the acceptable share of zero-valued pixels.
	zeroPixelFraction = 0.001

	// calBrightnessLimit matches the auto-exposure brightness guard.
	calBrightnessLimit = 192.0

	// blindSolveTimeout is the generous budget for the uncalibrated
	// optical solve.
	blindSolveTimeout = 30 * time.Second
)

var errAborted = errors.New("calibration cancelled")

// beginCalibrationLocked starts the setup→operate transition. Caller holds
// c.mu. The pipeline keeps producing frames during calibration; the
// calibrator interleaves its own captures via the engine's camera token.
func (c *Controller) beginCalibrationLocked() {
	if c.calibrating {
		return
	}
	c.calibrating = true
	c.calProgress = 0
	c.calFailure = ""
	ctx, cancel := context.WithCancel(context.Background())
	c.calCancel = cancel
	go c.runCalibration(ctx)
}

// CancelCalibration aborts the sequence at the next safe point and returns
// the controller to setup.
func (c *Controller) CancelCalibration() {
	c.mu.Lock()
	cancel := c.calCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) setProgress(p float64) {
	c.mu.Lock()
	if p > c.calProgress {
		c.calProgress = p
	}
	c.mu.Unlock()
}

func (c *Controller) runCalibration(ctx context.Context) {
	e := c.cfg.Engine
	e.SetAutoExposureEnabled(false)
	defer e.SetAutoExposureEnabled(true)

	data, err := c.calibrate(ctx)

	c.mu.Lock()
	c.calibrating = false
	c.calCancel = nil
	record := db.CalibrationRecord{
		Time:        c.now(),
		CameraModel: c.calCameraName,
	}
	if err != nil {
		if errors.Is(err, errAborted) || errors.Is(err, context.Canceled) {
			monitoring.Diagf("calibrate: cancelled")
			c.mu.Unlock()
			return
		}
		c.calFailure = string(solver.ReasonOf(err))
		record.FailureReason = c.calFailure
		monitoring.Opsf("calibrate: failed: %v", err)
	} else {
		c.calData = data
		c.calFailure = ""
		c.mode = ModeOperate
		c.op.Mode = ModeOperate
		c.cfg.Engine.SetCalibratedExposure(
			time.Duration(data.TargetExposureMS * float64(time.Millisecond)))
		c.applyEngineConfigLocked()
		record.TargetExpMS = data.TargetExposureMS
		record.Offset = data.Offset
		record.FOVHorizontal = data.FOVHorizontal
		record.FOVVertical = data.FOVVertical
		record.Distortion = data.Distortion
		record.MatchMaxError = data.MatchMaxError
		monitoring.Diagf("calibrate: done, fov %.2f deg, exposure %.1f ms",
			data.FOVHorizontal, data.TargetExposureMS)
	}
	c.mu.Unlock()

	if c.cfg.DB != nil {
		if err := c.cfg.DB.RecordCalibration(record); err != nil {
			monitoring.Opsf("calibrate: record: %v", err)
		}
	}
}

// calibrate runs the four-step sequence and returns the complete data.
func (c *Controller) calibrate(ctx context.Context) (*assemble.CalibrationData, error) {
	cam := c.cfg.Engine.Camera()
	info := cam.Info()

	offset, err := c.calibrateOffset(ctx)
	if err != nil {
		return nil, err
	}
	c.setProgress(progressOffset)

	c.mu.Lock()
	maxExposure := time.Duration(c.fixed.MaxExposureMS) * time.Millisecond
	c.mu.Unlock()
	if maxExposure <= 0 {
		maxExposure = time.Second
	}
	goal := c.cfg.StarCountGoal
	if goal <= 0 {
		goal = 20
	}

	exposure, err := c.calibrateExposure(ctx, cam.Settings().Exposure, maxExposure, goal)
	if err != nil {
		return nil, err
	}
	c.setProgress(progressExposure)

	fov, distortion, matchMaxError, solveDur, err := c.calibrateOptical(ctx)
	if err != nil {
		return nil, err
	}
	c.setProgress(progressOptical)

	data := &assemble.CalibrationData{
		TargetExposureMS: float64(exposure) / float64(time.Millisecond),
		Offset:           offset,
		FOVHorizontal:    fov,
		FOVVertical:      fov * float64(info.Height) / float64(info.Width),
		Distortion:       distortion,
		MatchMaxError:    matchMaxError,
		PixelAngularDeg:  fov / float64(info.Width),
		SolveDurationMS:  float64(solveDur) / float64(time.Millisecond),
	}
	if info.PixelSizeMicrons > 0 {
		sensorWidthMM := float64(info.Width) * info.PixelSizeMicrons / 1000
		data.FocalLengthMM = sensorWidthMM / (2 * math.Tan(fov*math.Pi/360))
	}
	c.setProgress(1.0)
	return data, nil
}

// calibrateOffset finds the minimum camera offset that avoids black crush:
// with a brief dark-capable exposure, raise the offset until few pixels
// clip at zero. Leaves the camera at the returned offset.
func (c *Controller) calibrateOffset(ctx context.Context) (int, error) {
	cam := c.cfg.Engine.Camera()

	restore := cam.Settings().Exposure
	defer cam.SetExposure(restore)

	if err := cam.SetOffset(0); err != nil {
		return 0, fmt.Errorf("set offset: %w", err)
	}
	if err := cam.SetExposure(time.Millisecond); err != nil {
		return 0, fmt.Errorf("set exposure: %w", err)
	}
	info := cam.Info()
	totalPixels := info.Width * info.Height

	var zeroPixels int
	for offset := 0; offset <= maxOffset; offset++ {
		if ctx.Err() != nil {
			return 0, errAborted
		}
		if err := cam.SetOffset(offset); err != nil {
			return 0, fmt.Errorf("set offset: %w", err)
		}
		res, err := c.calCapture(ctx)
		if err != nil {
			return 0, err
		}
		zeroPixels = int(res.Histogram[0])
		if float64(zeroPixels) <= zeroPixelFraction*float64(totalPixels) {
			if offset < maxOffset {
				offset++ // one more for margin
				if err := cam.SetOffset(offset); err != nil {
					return 0, fmt.Errorf("set offset: %w", err)
				}
			}
			return offset, nil
		}
		c.setProgress(progressOffset * float64(offset) / maxOffset)
	}
	return 0, fmt.Errorf("still %d zero pixels at offset %d", zeroPixels, maxOffset)
}

// calibrateExposure finds the exposure yielding the desired star count by
// scaling with the goal fraction, up to three iterations. The detected star
// count is modelled as proportional to exposure time.
func (c *Controller) calibrateExposure(ctx context.Context, initial, max time.Duration, goal int) (time.Duration, error) {
	cam := c.cfg.Engine.Camera()
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	restore := cam.Settings().Exposure

	exposure := initial
	for iteration := 0; iteration < 3; iteration++ {
		if ctx.Err() != nil {
			cam.SetExposure(restore)
			return 0, errAborted
		}
		if err := cam.SetExposure(exposure); err != nil {
			return 0, fmt.Errorf("set exposure: %w", err)
		}
		res, err := c.calCapture(ctx)
		if err != nil {
			return 0, err
		}
		stars := len(res.Candidates)
		goalFraction := math.Max(float64(stars), 1) / float64(goal)
		monitoring.Diagf("calibrate: iter %d, exp %v, %d stars, mean %.1f",
			iteration+1, exposure, stars, res.MeanBrightness)

		scaled := time.Duration(float64(exposure) / goalFraction)
		if scaled > max {
			scaled = max
		}
		if goalFraction > 0.8 && goalFraction < 1.2 {
			cam.SetExposure(scaled)
			return scaled, nil
		}
		if goalFraction < 1.0 {
			if res.MeanBrightness > calBrightnessLimit {
				cam.SetExposure(restore)
				return 0, &solver.Error{Reason: solver.FailureBrightSky}
			}
			if exposure >= max && iteration > 0 {
				cam.SetExposure(restore)
				return 0, &solver.Error{Reason: solver.FailureTooFewStars}
			}
		}
		exposure = scaled
		c.setProgress(progressOffset +
			(progressExposure-progressOffset)*float64(iteration+1)/3)
	}

	// Accept the converged-enough value unless it is still short.
	if err := cam.SetExposure(exposure); err != nil {
		return 0, fmt.Errorf("set exposure: %w", err)
	}
	res, err := c.calCapture(ctx)
	if err != nil {
		return 0, err
	}
	goalFraction := math.Max(float64(len(res.Candidates)), 1) / float64(goal)
	if goalFraction < 0.8 && exposure >= max {
		cam.SetExposure(restore)
		return 0, &solver.Error{Reason: solver.FailureTooFewStars}
	}
	return exposure, nil
}

// calibrateOptical plate-solves once with a generous budget to obtain FOV,
// distortion and the residual distribution, then re-solves with the
// constraints to measure a representative solve duration.
func (c *Controller) calibrateOptical(ctx context.Context) (fov, distortion, matchMaxError float64, solveDur time.Duration, err error) {
	res, frame, err := c.calCaptureFrame(ctx)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if len(res.Candidates) < solver.MinimumStars {
		return 0, 0, 0, 0, &solver.Error{Reason: solver.FailureTooFewStars}
	}
	centroids := candidatePositions(res)

	zero := 0.0
	params := solver.Params{
		DistortionHint: &zero,
		MatchMaxError:  0.005,
		Timeout:        blindSolveTimeout,
	}
	sol, err := c.cfg.Solver.SolveFromCentroids(ctx, centroids, frame.Width, frame.Height, params)
	if err != nil {
		if ctx.Err() != nil {
			return 0, 0, 0, 0, errAborted
		}
		return 0, 0, 0, 0, err
	}

	fov = sol.FOV
	distortion = sol.Distortion

	// Use the 90th percentile residual, as a fraction of FOV, doubled
	// for safety, as the solver's match_max_error.
	p90Deg := sol.P90Error / 3600
	matchMaxError = (p90Deg / fov) * 2

	params = solver.Params{
		FOVEstimate:    fov,
		FOVTolerance:   fov / 10,
		DistortionHint: &distortion,
		MatchMaxError:  matchMaxError,
		Timeout:        blindSolveTimeout,
	}
	sol2, err := c.cfg.Solver.SolveFromCentroids(ctx, centroids, frame.Width, frame.Height, params)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("repeated plate solve: %w", err)
	}
	return fov, distortion, matchMaxError, sol2.SolveDuration, nil
}

// calCapture grabs one frame with exclusive camera access and runs
// detection on it.
func (c *Controller) calCapture(ctx context.Context) (*detect.Result, error) {
	res, _, err := c.calCaptureFrame(ctx)
	return res, err
}

func (c *Controller) calCaptureFrame(ctx context.Context) (*detect.Result, *camera.Frame, error) {
	release, err := c.cfg.Engine.AcquireCamera(ctx)
	if err != nil {
		return nil, nil, errAborted
	}
	frame, err := c.cfg.Engine.Camera().Capture(ctx)
	release()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, errAborted
		}
		return nil, nil, fmt.Errorf("calibration capture: %w", err)
	}
	sigma := c.cfg.DetectSigma
	if sigma <= 0 {
		sigma = 8
	}
	res, err := c.cfg.Detector.Detect(frame, detect.Options{Sigma: sigma, Binning: 2})
	if err != nil {
		return nil, nil, err
	}
	return res, frame, nil
}

func candidatePositions(res *detect.Result) []alg.ImageCoord {
	out := make([]alg.ImageCoord, 0, len(res.Candidates))
	for _, cand := range res.Candidates {
		out = append(out, cand.Pos)
	}
	return out
}
