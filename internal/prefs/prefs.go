// Package prefs holds the durable user preferences record and its on-disk
// store. The record is a single length-prefixed binary message rewritten
// atomically (write to temp, rename); corrupt reads fall back to defaults
// and the file is rewritten on the next change.
package prefs

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/starfix/internal/alg"
	"github.com/banshee-data/starfix/internal/monitoring"
)

// Preferences is the durable per-installation record. All fields are
// runtime-overridable; mutations through the RPC surface are written
// through to disk.
type Preferences struct {
	// Display choices.
	NightVisionTheme   bool   `json:"night_vision_theme"`
	ShowPerfStats      bool   `json:"show_perf_stats"`
	HideAppBar         bool   `json:"hide_app_bar"`
	ScreenAlwaysOn     bool   `json:"screen_always_on"`
	CoordFormat        string `json:"celestial_coord_format"`
	TextSizeIndex      int    `json:"text_size_index"`
	RightHanded        bool   `json:"right_handed"`
	DisplayOrientation string `json:"display_orientation"`

	// MountType is "equatorial" or "alt_az"; advisory for the UI and the
	// slew axis labels.
	MountType string `json:"mount_type"`

	// Observer location, if the user granted it.
	Observer *alg.LatLong `json:"observer,omitempty"`

	// Saved intervals.
	UpdateInterval      time.Duration `json:"update_interval"`
	DwellUpdateInterval time.Duration `json:"dwell_update_interval"`

	LogDwelledPositions bool `json:"log_dwelled_positions"`

	// Boresight is the persisted alignment pixel in full resolution.
	Boresight *alg.ImageCoord `json:"boresight,omitempty"`

	// CatalogFilter is passed through to the solver-side catalog.
	CatalogFilter string `json:"catalog_filter"`

	// EyepieceFOV is the reticle circle diameter, degrees.
	EyepieceFOV float64 `json:"eyepiece_fov"`

	// DontShows lists dismissed hint dialogs.
	DontShows []string `json:"dont_shows"`

	// MaxExposure caps the exposure ladder, user-set.
	MaxExposure time.Duration `json:"max_exposure"`

	SessionName string `json:"session_name"`
}

// Defaults returns the record used when no file exists or it is corrupt.
func Defaults() Preferences {
	return Preferences{
		MountType:           "alt_az",
		CoordFormat:         "hms_dms",
		UpdateInterval:      0,
		DwellUpdateInterval: time.Second,
		EyepieceFOV:         1.0,
		MaxExposure:         time.Second,
		RightHanded:         true,
		DisplayOrientation:  "landscape",
	}
}

// Patch is a partial update: only non-nil fields are applied.
type Patch struct {
	NightVisionTheme   *bool   `json:"night_vision_theme,omitempty"`
	ShowPerfStats      *bool   `json:"show_perf_stats,omitempty"`
	HideAppBar         *bool   `json:"hide_app_bar,omitempty"`
	ScreenAlwaysOn     *bool   `json:"screen_always_on,omitempty"`
	CoordFormat        *string `json:"celestial_coord_format,omitempty"`
	TextSizeIndex      *int    `json:"text_size_index,omitempty"`
	RightHanded        *bool   `json:"right_handed,omitempty"`
	DisplayOrientation *string `json:"display_orientation,omitempty"`

	MountType *string      `json:"mount_type,omitempty"`
	Observer  *alg.LatLong `json:"observer,omitempty"`

	UpdateIntervalMS      *int64 `json:"update_interval_ms,omitempty"`
	DwellUpdateIntervalMS *int64 `json:"dwell_update_interval_ms,omitempty"`

	LogDwelledPositions *bool           `json:"log_dwelled_positions,omitempty"`
	Boresight           *alg.ImageCoord `json:"boresight,omitempty"`
	CatalogFilter       *string         `json:"catalog_filter,omitempty"`
	EyepieceFOV         *float64        `json:"eyepiece_fov,omitempty"`
	DontShows           *[]string       `json:"dont_shows,omitempty"`
	MaxExposureMS       *int64          `json:"max_exposure_ms,omitempty"`
	SessionName         *string         `json:"session_name,omitempty"`
}

// Apply merges the patch into p. Unset fields are untouched; applying the
// same patch twice is idempotent.
func (p *Preferences) Apply(patch Patch) {
	if patch.NightVisionTheme != nil {
		p.NightVisionTheme = *patch.NightVisionTheme
	}
	if patch.ShowPerfStats != nil {
		p.ShowPerfStats = *patch.ShowPerfStats
	}
	if patch.HideAppBar != nil {
		p.HideAppBar = *patch.HideAppBar
	}
	if patch.ScreenAlwaysOn != nil {
		p.ScreenAlwaysOn = *patch.ScreenAlwaysOn
	}
	if patch.CoordFormat != nil {
		p.CoordFormat = *patch.CoordFormat
	}
	if patch.TextSizeIndex != nil {
		p.TextSizeIndex = *patch.TextSizeIndex
	}
	if patch.RightHanded != nil {
		p.RightHanded = *patch.RightHanded
	}
	if patch.DisplayOrientation != nil {
		p.DisplayOrientation = *patch.DisplayOrientation
	}
	if patch.MountType != nil {
		p.MountType = *patch.MountType
	}
	if patch.Observer != nil {
		obs := *patch.Observer
		p.Observer = &obs
	}
	if patch.UpdateIntervalMS != nil {
		p.UpdateInterval = time.Duration(*patch.UpdateIntervalMS) * time.Millisecond
	}
	if patch.DwellUpdateIntervalMS != nil {
		p.DwellUpdateInterval = time.Duration(*patch.DwellUpdateIntervalMS) * time.Millisecond
	}
	if patch.LogDwelledPositions != nil {
		p.LogDwelledPositions = *patch.LogDwelledPositions
	}
	if patch.Boresight != nil {
		b := *patch.Boresight
		p.Boresight = &b
	}
	if patch.CatalogFilter != nil {
		p.CatalogFilter = *patch.CatalogFilter
	}
	if patch.EyepieceFOV != nil {
		p.EyepieceFOV = *patch.EyepieceFOV
	}
	if patch.DontShows != nil {
		p.DontShows = append([]string(nil), (*patch.DontShows)...)
	}
	if patch.MaxExposureMS != nil {
		p.MaxExposure = time.Duration(*patch.MaxExposureMS) * time.Millisecond
	}
	if patch.SessionName != nil {
		p.SessionName = *patch.SessionName
	}
}

// Store persists a Preferences record at a fixed path.
type Store struct {
	mu   sync.Mutex
	path string
	cur  Preferences
}

// magic identifies the file format; bumped on incompatible changes.
const magic = uint32(0x53465031) // "SFP1"

// NewStore loads the record at path, falling back to defaults when the file
// is absent or corrupt.
func NewStore(path string) *Store {
	s := &Store{path: path, cur: Defaults()}
	if err := s.load(); err != nil {
		if !os.IsNotExist(err) {
			monitoring.Opsf("prefs: unreadable %s, using defaults: %v", path, err)
		}
	}
	return s
}

// Get returns a copy of the current record.
func (s *Store) Get() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() Preferences {
	out := s.cur
	if s.cur.Observer != nil {
		obs := *s.cur.Observer
		out.Observer = &obs
	}
	if s.cur.Boresight != nil {
		b := *s.cur.Boresight
		out.Boresight = &b
	}
	out.DontShows = append([]string(nil), s.cur.DontShows...)
	return out
}

// Update applies the patch, writes the record through to disk, and returns
// the full post-update record.
func (s *Store) Update(patch Patch) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Apply(patch)
	err := s.saveLocked()
	return s.copyLocked(), err
}

// Mutate runs fn against the record under the store lock and persists the
// result. Used for programmatic updates like capture_boresight.
func (s *Store) Mutate(fn func(*Preferences)) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cur)
	err := s.saveLocked()
	return s.copyLocked(), err
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	if len(raw) < 12 {
		return fmt.Errorf("prefs: short file (%d bytes)", len(raw))
	}
	if binary.BigEndian.Uint32(raw[0:4]) != magic {
		return fmt.Errorf("prefs: bad magic")
	}
	length := binary.BigEndian.Uint32(raw[4:8])
	if int(length)+12 != len(raw) {
		return fmt.Errorf("prefs: length mismatch")
	}
	payload := raw[12 : 12+length]
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(raw[8:12]) {
		return fmt.Errorf("prefs: checksum mismatch")
	}
	var p Preferences
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&p); err != nil {
		return fmt.Errorf("prefs: decode: %w", err)
	}
	s.cur = p
	return nil
}

func (s *Store) saveLocked() error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(&s.cur); err != nil {
		return fmt.Errorf("prefs: encode: %w", err)
	}
	buf := make([]byte, 12+payload.Len())
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(payload.Len()))
	binary.BigEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(payload.Bytes()))
	copy(buf[12:], payload.Bytes())

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
