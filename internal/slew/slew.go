// Package slew holds the active go-to request and derives its guidance
// offsets from each plate solution.
package slew

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/starfix/internal/alg"
	"github.com/banshee-data/starfix/internal/solver"
)

// Request is the single active slew target plus the fields derived from the
// most recent plate solution.
type Request struct {
	// Target sky position.
	Target alg.CelestialCoord `json:"target"`

	// CatalogEntry optionally names the catalog object being sought.
	CatalogEntry string `json:"catalog_entry,omitempty"`

	// TargetDistance is the angular separation from the boresight to the
	// target, degrees.
	TargetDistance float64 `json:"target_distance"`

	// TargetAngle is the direction toward the target relative to image
	// "up": 0 is up, positive counter-clockwise. Degrees.
	TargetAngle float64 `json:"target_angle"`

	// ImagePos is the target's pixel when it falls on the sensor.
	ImagePos *alg.ImageCoord `json:"image_pos,omitempty"`

	// Mount-axis decomposition, -180..180 degrees. Rotation axis is RA
	// (equatorial) or azimuth (alt-az); tilt axis is Dec or altitude.
	OffsetRotationAxis *float64 `json:"offset_rotation_axis,omitempty"`
	OffsetTiltAxis     *float64 `json:"offset_tilt_axis,omitempty"`

	// AltAzValid marks whether the offsets above are in the alt-az
	// frame. False with an equatorial mount or unknown observer.
	AltAzValid bool `json:"alt_az_valid,omitempty"`
}

// Frame geometry needed to place the target on the sensor.
type FrameGeometry struct {
	Width, Height int
}

// Supervisor owns the active request. At most one request is active at a
// time; a new Initiate replaces it and Stop clears it.
type Supervisor struct {
	mu     sync.Mutex
	active *Request
}

// NewSupervisor returns an empty Supervisor.
func NewSupervisor() *Supervisor { return &Supervisor{} }

// Initiate installs a new slew target, replacing any active request.
func (s *Supervisor) Initiate(target alg.CelestialCoord, catalogEntry string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = &Request{Target: target, CatalogEntry: catalogEntry}
}

// Stop clears the active request. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
}

// Active returns a copy of the active request, or nil.
func (s *Supervisor) Active() *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	out := *s.active
	if s.active.ImagePos != nil {
		p := *s.active.ImagePos
		out.ImagePos = &p
	}
	if s.active.OffsetRotationAxis != nil {
		v := *s.active.OffsetRotationAxis
		out.OffsetRotationAxis = &v
	}
	if s.active.OffsetTiltAxis != nil {
		v := *s.active.OffsetTiltAxis
		out.OffsetTiltAxis = &v
	}
	return &out
}

// Refresh recomputes the derived fields from a new solution. boresight is
// the boresight's solved sky position, roll the solution's celestial roll.
// observer may be nil; altAz selects the alt-az decomposition (requires
// observer and time).
func (s *Supervisor) Refresh(boresight alg.CelestialCoord, roll float64,
	sol *solver.Solution, geom FrameGeometry, boresightPix alg.ImageCoord,
	observer *alg.LatLong, now time.Time, altAz bool) {

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return
	}
	r := s.active
	r.TargetDistance = alg.AngularSeparation(boresight, r.Target)
	pa := alg.PositionAngle(boresight, r.Target)
	r.TargetAngle = wrap180(pa - roll)

	r.ImagePos = targetImagePos(r.Target, sol, geom)

	if altAz && observer != nil {
		boreAlt, boreAz, _ := alg.AltAz(boresight, *observer, now)
		tgtAlt, tgtAz, _ := alg.AltAz(r.Target, *observer, now)
		rot := wrap180(tgtAz - boreAz)
		tilt := wrap180(tgtAlt - boreAlt)
		r.OffsetRotationAxis = &rot
		r.OffsetTiltAxis = &tilt
		r.AltAzValid = true
		return
	}
	if altAz {
		// Observer unknown: alt-az decomposition is suppressed.
		r.OffsetRotationAxis = nil
		r.OffsetTiltAxis = nil
		r.AltAzValid = false
		return
	}
	rot := wrap180(alg.RAChange(boresight.RA, r.Target.RA))
	tilt := wrap180(r.Target.Dec - boresight.Dec)
	r.OffsetRotationAxis = &rot
	r.OffsetTiltAxis = &tilt
	r.AltAzValid = false
}

// targetImagePos maps the target onto the sensor via the solution's scale
// and roll, or nil when it is outside the field.
func targetImagePos(target alg.CelestialCoord, sol *solver.Solution, geom FrameGeometry) *alg.ImageCoord {
	if sol == nil || geom.Width == 0 {
		return nil
	}
	longer := geom.Width
	if geom.Height > longer {
		longer = geom.Height
	}
	degPerPix := sol.FOV / float64(longer)
	if degPerPix <= 0 {
		return nil
	}
	sep := alg.AngularSeparation(sol.ImageCenter, target)
	theta := (alg.PositionAngle(sol.ImageCenter, target) - sol.Roll) * math.Pi / 180
	rPix := sep / degPerPix
	x := float64(geom.Width)/2 - rPix*math.Sin(theta)
	y := float64(geom.Height)/2 - rPix*math.Cos(theta)
	if x < 0 || x >= float64(geom.Width) || y < 0 || y >= float64(geom.Height) {
		return nil
	}
	return &alg.ImageCoord{X: x, Y: y}
}

func wrap180(v float64) float64 {
	v = math.Mod(v, 360)
	if v > 180 {
		v -= 360
	}
	if v < -180 {
		v += 360
	}
	return v
}
