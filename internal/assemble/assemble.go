package assemble

import (
	"sync/atomic"
	"time"

	"github.com/banshee-data/starfix/internal/alg"
	"github.com/banshee-data/starfix/internal/detect"
	"github.com/banshee-data/starfix/internal/motion"
	"github.com/banshee-data/starfix/internal/pipeline"
	"github.com/banshee-data/starfix/internal/render"
	"github.com/banshee-data/starfix/internal/slew"
)

// Context is everything beyond the pipeline output that a snapshot is
// assembled from. The caller owns the copies; nothing here is mutated.
type Context struct {
	ServerInfo  ServerInformation
	Fixed       FixedSettings
	Op          OperationSettings
	Preferences interface{}

	Calibrating         bool
	CalibrationProgress float64
	CalibrationData     *CalibrationData
	CalibrationFailure  string

	Boresight alg.ImageCoord

	// Observer and Now gate every location-derived value. Now comes from
	// the fixed settings' client-supplied clock, not the process clock.
	Observer *alg.LatLong
	Now      time.Time

	Motion *motion.Estimate
	Polar  *motion.PolarAlignAdvice
	Slew   *slew.Request

	Stats *ProcessingStats

	// DisplayTargetSize is the render TargetSize: the smallest edge the
	// binning reduces the image to. Zero = default.
	DisplayTargetSize int
}

// Assembler builds immutable FrameResult snapshots.
type Assembler struct {
	// syntheticID numbers the no-image snapshots published while the
	// camera is faulted. Negative so they never collide with frame ids.
	syntheticID atomic.Int64
}

// NewAssembler returns an Assembler.
func NewAssembler() *Assembler { return &Assembler{} }

// Build assembles a snapshot from one pipeline tick.
func (a *Assembler) Build(out *pipeline.Output, c Context) *FrameResult {
	r := &FrameResult{
		ServerInformation: c.ServerInfo,
		FixedSettings:     c.Fixed,
		OperationSettings: c.Op,
		Preferences:       c.Preferences,
		Calibrating:       c.Calibrating,
		CalibrationData:   c.CalibrationData,
		CalibrationFailure: c.CalibrationFailure,
		BoresightPosition: c.Boresight,
	}
	if c.Calibrating {
		p := c.CalibrationProgress
		r.CalibrationProgress = &p
	}

	if out == nil || out.Frame == nil {
		// Camera fault: publish server info only, under a unique id.
		r.FrameID = -a.syntheticID.Add(1)
		if out != nil {
			r.ServerInformation.CameraFault = out.CameraFault
		}
		r.ServerInformation.Camera = nil
		return r
	}

	frame := out.Frame
	r.FrameID = frame.ID
	r.CaptureTime = frame.Time
	r.ExposureMS = float64(frame.Exposure) / float64(time.Millisecond)

	det := out.Detect
	focus := c.Op.FocusAssistMode && !c.Calibrating
	daylight := c.Op.DaylightMode && !c.Calibrating

	// Display image: central crop, binned, stretched (natural mapping in
	// daylight), rotated zenith-up in operate with a known location.
	var rotation float64
	if c.Observer != nil && !focus && !daylight &&
		c.Op.Mode == "operate" && out.Solution != nil && !c.Now.IsZero() {
		rotation = -alg.ZenithRollAngle(out.Solution.ImageCenter,
			out.Solution.Roll, *c.Observer, c.Now)
	}
	opts := render.Options{
		TargetSize:  c.DisplayTargetSize,
		Natural:     daylight,
		RotationDeg: rotation,
	}
	if det != nil {
		opts.BlackLevel = det.BlackLevel
		opts.PeakLevel = displayPeak(det)
	}
	rendered := render.Display(frame.Pixels, frame.Width, frame.Height, opts)
	r.Image = &DisplayImage{
		Width:       rendered.Image.Rect.Dx(),
		Height:      rendered.Image.Rect.Dy(),
		Binning:     rendered.Binning,
		RotationDeg: rendered.RotationDeg,
		Data:        rendered.Image.Pix,
	}

	if c.Calibrating {
		// Most fields are suppressed while calibrating.
		return r
	}

	if det != nil {
		r.StarCandidates = det.Candidates
		r.StarCount = len(det.Candidates)
		r.NoiseRMS = det.NoiseRMS
		r.HotPixelCount = det.HotPixels

		if focus && det.PeakPosition != nil {
			pos := *det.PeakPosition
			r.CenterPeakPosition = &pos
			pv := int(det.PeakValue)
			r.CenterPeakValue = &pv
			if det.CenterCrop != nil {
				r.CenterPeakImage = &DisplayImage{
					Width:   det.CropSize,
					Height:  det.CropSize,
					Binning: 1,
					Data:    det.CenterCrop,
				}
			}
			if det.ContrastRatio != nil {
				contrast := *det.ContrastRatio
				r.ContrastRatio = &contrast
			}
		}
	}

	r.PlateSolution = out.Solution
	r.SolveFailure = string(out.SolveFailure)

	if out.Solution != nil {
		bs := boresightSky(out)
		r.BoresightSky = &bs

		if c.Observer != nil && !c.Now.IsZero() {
			alt, az, ha := alg.AltAz(bs, *c.Observer, c.Now)
			r.LocationBasedInfo = &LocationBasedInfo{
				Altitude:      alt,
				Azimuth:       az,
				HourAngle:     ha,
				ZenithRollDeg: alg.ZenithRollAngle(bs, out.Solution.Roll, *c.Observer, c.Now),
			}
		}
	}

	r.SlewRequest = c.Slew
	r.MotionEstimate = c.Motion
	if c.Observer != nil && c.Polar != nil &&
		(c.Polar.AzimuthCorrection != nil || c.Polar.AltitudeCorrection != nil) {
		r.PolarAlignAdvice = c.Polar
	}
	r.ProcessingStats = c.Stats
	return r
}

// boresightSky returns the solved sky position of the boresight pixel. The
// pipeline appends the boresight to the solve targets, so the last target
// coordinate is it; a solution with no targets falls back to the image
// center.
func boresightSky(out *pipeline.Output) alg.CelestialCoord {
	sol := out.Solution
	if n := len(sol.TargetCoords); n > 0 {
		return sol.TargetCoords[n-1]
	}
	return sol.ImageCenter
}

// displayPeak picks the stretch white point: the brightest central spot's
// peak when the detector reported one (focus mode), else the mean peak of
// the ten brightest stars, or a histogram-derived level when nothing was
// detected.
func displayPeak(det *detect.Result) uint8 {
	if det.PeakValue > 0 {
		return det.PeakValue
	}
	if v, ok := det.TopPeakMean(10); ok {
		return v
	}
	return det.HistogramPeak()
}
