// Package camera defines the frame producer contract and the simulated
// cameras used for development and tests. Real sensor drivers live out of
// tree and satisfy the same interface.
package camera

import (
	"context"
	"errors"
	"time"
)

// ErrCameraFault indicates the camera is disconnected or persistently
// failing. Capture stops but the server keeps running; the pipeline retries
// periodically.
var ErrCameraFault = errors.New("camera fault")

// Frame is one raw monochrome capture. Immutable once produced.
type Frame struct {
	// ID increases monotonically and is never reused for the lifetime of
	// the camera.
	ID int64

	// Time is the capture-complete timestamp.
	Time time.Time

	// Pixels is the full-resolution 8-bit linear intensity buffer,
	// row-major, Width*Height long. Color sensors deliver the raw Bayer
	// plane; it is treated as monochrome.
	Pixels []uint8

	Width  int
	Height int

	// Binning of the raw frame is always 1.
	Binning int

	// Exposure actually used for this capture.
	Exposure time.Duration

	// Sensor settings in effect.
	Offset int
	Gain   int

	// ParamsAccurate is false while the sensor is still settling after a
	// parameter change; auto-exposure skips such frames.
	ParamsAccurate bool
}

// Settings are the camera knobs the server owns.
type Settings struct {
	Exposure time.Duration
	Gain     int
	Offset   int
}

// Info describes the attached sensor.
type Info struct {
	Model  string `json:"model"`
	Width  int    `json:"width"`
	Height int    `json:"height"`

	// PixelSizeMicrons is the physical pixel pitch, used to derive the
	// lens focal length from the calibrated field of view. Zero when the
	// driver does not know it.
	PixelSizeMicrons float64 `json:"pixel_size_microns,omitempty"`
}

// Camera is the frame producer contract. Capture blocks for the exposure
// duration; all other calls are fast. Implementations are not required to be
// safe for concurrent use: the integrate worker exclusively owns the camera
// and applies parameter changes between exposures.
type Camera interface {
	Info() Info
	Settings() Settings
	SetExposure(d time.Duration) error
	SetGain(gain int) error
	SetOffset(offset int) error
	Capture(ctx context.Context) (*Frame, error)
	Close() error
}
