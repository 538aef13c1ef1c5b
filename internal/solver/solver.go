// Package solver defines the plate-solving contract and the wire client for
// the external solver sidecar.
package solver

import (
	"context"
	"time"

	"github.com/banshee-data/starfix/internal/alg"
)

// FailureReason enumerates why a solve attempt produced no solution. These
// cross the RPC boundary verbatim so clients can render them.
type FailureReason string

const (
	FailureNone         FailureReason = ""
	FailureTooFewStars  FailureReason = "too_few_stars"
	FailureBrightSky    FailureReason = "bright_sky"
	FailureSolverFailed FailureReason = "solver_failed"
)

// MatchedStar pairs a detected centroid with its catalog identification.
type MatchedStar struct {
	Pixel alg.ImageCoord     `json:"pixel"`
	Sky   alg.CelestialCoord `json:"sky"`
	Mag   float64            `json:"mag"`
}

// CatalogStar is a catalog entry within the solved field of view.
type CatalogStar struct {
	Sky alg.CelestialCoord `json:"sky"`
	Mag float64            `json:"mag"`
}

// Solution is a successful plate solve. Every field is populated; a solve
// never returns a partial Solution.
type Solution struct {
	// ImageCenter is the sky coordinate of the image center.
	ImageCenter alg.CelestialCoord `json:"image_center"`

	// Roll is the image's celestial roll angle in degrees: the position
	// angle of image "up" relative to north.
	Roll float64 `json:"roll"`

	// FOV is the angular extent of the image's longer dimension, degrees.
	FOV float64 `json:"fov"`

	// Distortion is the fitted lens distortion coefficient.
	Distortion float64 `json:"distortion"`

	// Residuals between catalog-projected and measured centroid
	// positions, arcseconds.
	RMSError float64 `json:"rms_error"`
	P90Error float64 `json:"p90_error"`
	MaxError float64 `json:"max_error"`

	NumMatches int     `json:"num_matches"`
	MatchProb  float64 `json:"match_prob"`

	// Epoch of the solution's coordinate frame.
	Epoch time.Time `json:"epoch"`

	SolveDuration time.Duration `json:"solve_duration"`

	MatchedStars []MatchedStar `json:"matched_stars,omitempty"`
	CatalogStars []CatalogStar `json:"catalog_stars,omitempty"`

	// Rotation is the 3x3 image-to-sky rotation matrix, row-major.
	Rotation [9]float64 `json:"rotation"`

	// TargetCoords are the sky positions of the request's TargetPixels,
	// in the same order.
	TargetCoords []alg.CelestialCoord `json:"target_coords,omitempty"`
}

// Params configures one solve attempt.
type Params struct {
	// FOVEstimate, when non-zero, narrows the solver's scale search.
	// FOVTolerance is the half-width of the allowed range, degrees.
	FOVEstimate  float64 `json:"fov_estimate,omitempty"`
	FOVTolerance float64 `json:"fov_tolerance,omitempty"`

	// DistortionHint seeds the distortion fit. Nil leaves the solver to
	// fit it freely.
	DistortionHint *float64 `json:"distortion_hint,omitempty"`

	// MatchMaxError is the residual tolerance as a fraction of FOV.
	MatchMaxError float64 `json:"match_max_error,omitempty"`

	// TargetPixels asks the solver to also report the sky position of
	// these image coordinates (the boresight, a slew target).
	TargetPixels []alg.ImageCoord `json:"target_pixels,omitempty"`

	// MinMatches below which the solver reports too_few_stars.
	MinMatches int `json:"min_matches,omitempty"`

	// Timeout bounds the attempt. Zero uses the solver default.
	Timeout time.Duration `json:"-"`

	// ReturnMatches and ReturnCatalog control payload size.
	ReturnMatches bool `json:"return_matches,omitempty"`
	ReturnCatalog bool `json:"return_catalog,omitempty"`
}

// Error carries a typed failure across the solve boundary.
type Error struct {
	Reason  FailureReason
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Reason) + ": " + e.Message
	}
	return string(e.Reason)
}

// ReasonOf extracts the FailureReason from an error, defaulting to
// solver_failed for untyped errors.
func ReasonOf(err error) FailureReason {
	if err == nil {
		return FailureNone
	}
	if se, ok := err.(*Error); ok {
		return se.Reason
	}
	return FailureSolverFailed
}

// Solver is the plate-solving contract. SolveFromCentroids blocks up to
// Params.Timeout; cancellation via ctx aborts the attempt.
type Solver interface {
	SolveFromCentroids(ctx context.Context, centroids []alg.ImageCoord,
		width, height int, p Params) (*Solution, error)
}

// MinimumStars is the fewest centroids worth submitting to the solver.
// Below this the pipeline skips the solve attempt entirely.
const MinimumStars = 4
