// Package assemble converts the latest pipeline output plus derived state
// into the immutable FrameResult snapshot served to clients.
package assemble

import (
	"time"

	"github.com/banshee-data/starfix/internal/alg"
	"github.com/banshee-data/starfix/internal/camera"
	"github.com/banshee-data/starfix/internal/detect"
	"github.com/banshee-data/starfix/internal/motion"
	"github.com/banshee-data/starfix/internal/slew"
	"github.com/banshee-data/starfix/internal/solver"
	"github.com/banshee-data/starfix/internal/valstats"
)

// ServerInformation is always present on every snapshot.
type ServerInformation struct {
	Version   string       `json:"version"`
	SessionID string       `json:"session_id"`
	Camera    *camera.Info `json:"camera,omitempty"`

	// CameraFault carries the capture error while the camera is absent.
	CameraFault string `json:"camera_fault,omitempty"`

	SolverAddr string `json:"solver_addr,omitempty"`
}

// FixedSettings are the rarely-changed client-settable values.
type FixedSettings struct {
	ObserverLocation *alg.LatLong `json:"observer_location,omitempty"`

	// CurrentTime is the client-supplied wall clock, if it was ever set.
	// The server may have no battery-backed clock of its own.
	CurrentTime *time.Time `json:"current_time,omitempty"`

	SessionName   string `json:"session_name"`
	MaxExposureMS int64  `json:"max_exposure_ms"`
}

// OperationSettings select the mode and the cadence.
type OperationSettings struct {
	// Mode is "setup" or "operate".
	Mode string `json:"mode"`

	// Sub-modes, meaningful in setup only and mutually exclusive.
	FocusAssistMode bool `json:"focus_assist_mode"`
	DaylightMode    bool `json:"daylight_mode"`

	UpdateIntervalMS      int64 `json:"update_interval_ms"`
	DwellUpdateIntervalMS int64 `json:"dwell_update_interval_ms"`

	LogDwelledPositions bool   `json:"log_dwelled_positions"`
	CatalogFilter       string `json:"catalog_filter"`
	DemoImageName       string `json:"demo_image_name,omitempty"`
}

// CalibrationData is present only after a successful calibration; cleared
// when the camera identity changes.
type CalibrationData struct {
	TargetExposureMS float64 `json:"target_exposure_ms"`
	Offset           int     `json:"offset"`
	FOVHorizontal    float64 `json:"fov_horizontal"`
	FOVVertical      float64 `json:"fov_vertical"`
	Distortion       float64 `json:"distortion"`
	MatchMaxError    float64 `json:"match_max_error"`

	// Derived optics.
	FocalLengthMM   float64 `json:"focal_length_mm"`
	PixelAngularDeg float64 `json:"pixel_angular_size_deg"`

	// Representative solve duration measured during calibration.
	SolveDurationMS float64 `json:"solve_duration_ms"`
}

// DisplayImage is the rendered image payload. Data is raw 8-bit grayscale,
// row-major; JSON encodes it base64.
type DisplayImage struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Binning     int     `json:"binning"`
	RotationDeg float64 `json:"rotation_deg"`
	Data        []byte  `json:"data"`
}

// LocationBasedInfo is derived from the boresight, observer location and
// time. Suppressed entirely when the observer location is unknown.
type LocationBasedInfo struct {
	Altitude       float64 `json:"altitude"`
	Azimuth        float64 `json:"azimuth"`
	HourAngle      float64 `json:"hour_angle"`
	ZenithRollDeg  float64 `json:"zenith_roll_deg"`
}

// ProcessingStats snapshots the stats aggregator.
type ProcessingStats struct {
	CaptureLatency valstats.ValueStats `json:"capture_latency_ms"`
	DetectLatency  valstats.ValueStats `json:"detect_latency_ms"`
	SolveLatency   valstats.ValueStats `json:"solve_latency_ms"`
	OverallLatency valstats.ValueStats `json:"overall_latency_ms"`

	// Fractions are 0/1 accumulators; the mean is the fraction.
	SolveAttemptFraction valstats.ValueStats `json:"solve_attempt_fraction"`
	SolveSuccessFraction valstats.ValueStats `json:"solve_success_fraction"`

	SessionFrameCount int64 `json:"session_frame_count"`
}

// FrameResult is one immutable snapshot. ServerInformation, FixedSettings,
// Preferences and OperationSettings are always present; during calibration
// only those plus Image, Calibrating and CalibrationProgress are
// meaningful.
type FrameResult struct {
	FrameID      int64     `json:"frame_id"`
	CaptureTime  time.Time `json:"capture_time"`
	ExposureMS   float64   `json:"exposure_ms"`

	ServerInformation ServerInformation `json:"server_information"`
	FixedSettings     FixedSettings     `json:"fixed_settings"`
	OperationSettings OperationSettings `json:"operation_settings"`
	Preferences       interface{}       `json:"preferences"`

	Calibrating         bool             `json:"calibrating"`
	CalibrationProgress *float64         `json:"calibration_progress,omitempty"`
	CalibrationData     *CalibrationData `json:"calibration_data,omitempty"`
	CalibrationFailure  string           `json:"calibration_failure_reason,omitempty"`

	Image *DisplayImage `json:"image,omitempty"`

	StarCandidates []detect.StarCandidate `json:"star_candidates,omitempty"`
	StarCount      int                    `json:"star_count"`
	NoiseRMS       float64                `json:"noise_rms"`
	HotPixelCount  int                    `json:"hot_pixel_count"`

	PlateSolution *solver.Solution `json:"plate_solution,omitempty"`
	SolveFailure  string           `json:"solve_failure_reason,omitempty"`

	// Focus-Assist fields.
	CenterPeakPosition *alg.ImageCoord `json:"center_peak_position,omitempty"`
	CenterPeakValue    *int            `json:"center_peak_value,omitempty"`
	CenterPeakImage    *DisplayImage   `json:"center_peak_image,omitempty"`
	ContrastRatio      *float64        `json:"contrast_ratio,omitempty"`

	BoresightPosition alg.ImageCoord `json:"boresight_position"`

	LocationBasedInfo *LocationBasedInfo      `json:"location_based_info,omitempty"`
	SlewRequest       *slew.Request           `json:"slew_request,omitempty"`
	PolarAlignAdvice  *motion.PolarAlignAdvice `json:"polar_align_advice,omitempty"`
	MotionEstimate    *motion.Estimate        `json:"motion_estimate,omitempty"`

	ProcessingStats *ProcessingStats `json:"processing_stats,omitempty"`

	// BoresightSky is the solved sky position of the boresight pixel.
	BoresightSky *alg.CelestialCoord `json:"boresight_sky,omitempty"`
}
