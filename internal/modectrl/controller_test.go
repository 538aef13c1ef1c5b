package modectrl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/starfix/internal/alg"
	"github.com/banshee-data/starfix/internal/assemble"
	"github.com/banshee-data/starfix/internal/camera"
	"github.com/banshee-data/starfix/internal/detect"
	"github.com/banshee-data/starfix/internal/pipeline"
	"github.com/banshee-data/starfix/internal/prefs"
	"github.com/banshee-data/starfix/internal/slew"
	"github.com/banshee-data/starfix/internal/solver"
)

type harness struct {
	cam    *camera.SimCamera
	fake   *solver.Fake
	engine *pipeline.Engine
	store  *prefs.Store
	snaps  *assemble.SnapshotStore
	slews  *slew.Supervisor
	ctrl   *Controller
	cancel context.CancelFunc
}

func newHarness(t *testing.T, numStars int) *harness {
	t.Helper()
	cam := camera.NewSimCamera(camera.SimConfig{
		Width: 320, Height: 240, NumStars: numStars, Seed: 7,
	})
	cam.SetExposure(20 * time.Millisecond)
	fake := solver.NewFake()
	detector := detect.NewBuiltinDetector()
	engine := pipeline.New(pipeline.Config{
		Camera:      cam,
		Detector:    detector,
		Solver:      fake,
		MaxExposure: time.Second,
	})
	dir := t.TempDir()
	store := prefs.NewStore(dir + "/preferences.bin")
	snaps := assemble.NewSnapshotStore()
	slews := slew.NewSupervisor()

	ctrl := NewController(Config{
		Engine:        engine,
		Detector:      detector,
		Solver:        fake,
		Prefs:         store,
		Snaps:         snaps,
		Slews:         slews,
		Version:       "test",
		DataDir:       dir,
		StarCountGoal: 20,
		DetectSigma:   8,
	})
	engine.SetOnResult(ctrl.OnResult)

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)
	t.Cleanup(cancel)
	return &harness{
		cam: cam, fake: fake, engine: engine, store: store,
		snaps: snaps, slews: slews, ctrl: ctrl, cancel: cancel,
	}
}

// awaitSnapshot polls the published stream until pred accepts a snapshot.
func awaitSnapshot(t *testing.T, h *harness, timeout time.Duration,
	pred func(*assemble.FrameResult) bool) *assemble.FrameResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var prevID int64
	for {
		cur := h.snaps.Await(ctx, prevID)
		if cur == nil {
			t.Fatalf("no matching snapshot within %v", timeout)
		}
		prevID = cur.FrameID
		if pred(cur) {
			return cur
		}
	}
}

func TestCalibrationHappyPath(t *testing.T) {
	h := newHarness(t, 60)

	mode := "operate"
	if _, err := h.ctrl.UpdateOperationSettings(OperationSettingsPatch{Mode: &mode}); err != nil {
		t.Fatal(err)
	}

	// Calibration progress is reported and non-decreasing.
	sawCalibrating := false
	lastProgress := -1.0
	final := awaitSnapshot(t, h, 30*time.Second, func(r *assemble.FrameResult) bool {
		if r.Calibrating {
			sawCalibrating = true
			if r.CalibrationProgress != nil {
				if *r.CalibrationProgress < lastProgress {
					t.Errorf("calibration progress regressed: %v < %v",
						*r.CalibrationProgress, lastProgress)
				}
				lastProgress = *r.CalibrationProgress
			}
			return false
		}
		return r.OperationSettings.Mode == ModeOperate || r.CalibrationFailure != ""
	})

	if !sawCalibrating {
		t.Error("never observed calibrating=true")
	}
	if final.CalibrationFailure != "" {
		t.Fatalf("calibration failed: %s", final.CalibrationFailure)
	}
	if final.OperationSettings.Mode != ModeOperate {
		t.Fatalf("mode = %s, want operate", final.OperationSettings.Mode)
	}
	if final.CalibrationData == nil {
		t.Fatal("no calibration data after success")
	}
	if final.CalibrationData.FOVHorizontal <= 0 {
		t.Errorf("fov_horizontal = %v, want > 0", final.CalibrationData.FOVHorizontal)
	}
	if final.CalibrationData.TargetExposureMS <= 0 {
		t.Errorf("target_exposure_ms = %v, want > 0", final.CalibrationData.TargetExposureMS)
	}
	if final.CalibrationData.FocalLengthMM <= 0 {
		t.Errorf("focal_length_mm = %v, want > 0", final.CalibrationData.FocalLengthMM)
	}
}

func TestCalibrationTooFewStars(t *testing.T) {
	h := newHarness(t, 2)

	// Cap the exposure so the search hits the ceiling quickly.
	maxExp := int64(100)
	if _, err := h.ctrl.UpdateFixedSettings(FixedSettingsPatch{MaxExposureMS: &maxExp}); err != nil {
		t.Fatal(err)
	}

	mode := "operate"
	if _, err := h.ctrl.UpdateOperationSettings(OperationSettingsPatch{Mode: &mode}); err != nil {
		t.Fatal(err)
	}

	final := awaitSnapshot(t, h, 30*time.Second, func(r *assemble.FrameResult) bool {
		return !r.Calibrating && r.CalibrationFailure != ""
	})
	if final.CalibrationFailure != string(solver.FailureTooFewStars) {
		t.Errorf("failure reason = %q, want too_few_stars", final.CalibrationFailure)
	}
	if h.ctrl.Mode() != ModeSetup {
		t.Errorf("mode = %s, want setup after failure", h.ctrl.Mode())
	}
}

func TestCancelCalibration(t *testing.T) {
	h := newHarness(t, 60)
	// A slow solver keeps the optical step in flight so the cancel has
	// something to abort.
	h.fake.Delay = 5 * time.Second

	mode := "operate"
	if _, err := h.ctrl.UpdateOperationSettings(OperationSettingsPatch{Mode: &mode}); err != nil {
		t.Fatal(err)
	}
	awaitSnapshot(t, h, 10*time.Second, func(r *assemble.FrameResult) bool {
		return r.Calibrating
	})

	h.ctrl.CancelCalibration()

	final := awaitSnapshot(t, h, 10*time.Second, func(r *assemble.FrameResult) bool {
		return !r.Calibrating
	})
	if final.OperationSettings.Mode != ModeSetup {
		t.Errorf("mode = %s, want setup after cancel", final.OperationSettings.Mode)
	}
	if h.ctrl.Mode() != ModeSetup {
		t.Errorf("controller mode = %s, want setup", h.ctrl.Mode())
	}
}

func TestSubModesMutuallyExclusive(t *testing.T) {
	h := newHarness(t, 10)

	on := true
	if _, err := h.ctrl.UpdateOperationSettings(OperationSettingsPatch{FocusAssistMode: &on}); err != nil {
		t.Fatal(err)
	}
	// Turning on daylight while focus-assist is active is rejected whole.
	_, err := h.ctrl.UpdateOperationSettings(OperationSettingsPatch{DaylightMode: &on})
	if !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("err = %v, want ErrInvalidSettings", err)
	}
	op, _ := h.ctrl.UpdateOperationSettings(OperationSettingsPatch{})
	if !op.FocusAssistMode || op.DaylightMode {
		t.Errorf("settings after rejected patch: %+v", op)
	}

	// Both in one patch is equally invalid.
	_, err = h.ctrl.UpdateOperationSettings(OperationSettingsPatch{
		FocusAssistMode: &on, DaylightMode: &on,
	})
	if !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("combined patch err = %v, want ErrInvalidSettings", err)
	}

	// Switching: focus off, daylight on in one patch is fine.
	off := false
	if _, err := h.ctrl.UpdateOperationSettings(OperationSettingsPatch{
		FocusAssistMode: &off, DaylightMode: &on,
	}); err != nil {
		t.Errorf("switching sub-modes rejected: %v", err)
	}
}

func TestFocusAssistSnapshot(t *testing.T) {
	h := newHarness(t, 40)

	on := true
	if _, err := h.ctrl.UpdateOperationSettings(OperationSettingsPatch{FocusAssistMode: &on}); err != nil {
		t.Fatal(err)
	}

	snap := awaitSnapshot(t, h, 15*time.Second, func(r *assemble.FrameResult) bool {
		return r.OperationSettings.FocusAssistMode && r.CenterPeakPosition != nil
	})
	if snap.CenterPeakValue == nil || *snap.CenterPeakValue == 0 {
		t.Error("focus snapshot missing peak value")
	}
	if snap.CenterPeakImage == nil {
		t.Error("focus snapshot missing peak crop")
	}
	if snap.ContrastRatio == nil {
		t.Error("focus snapshot missing contrast ratio")
	} else if *snap.ContrastRatio < 0 || *snap.ContrastRatio > 1 {
		t.Errorf("contrast ratio %v out of range", *snap.ContrastRatio)
	}
	if snap.PlateSolution != nil {
		t.Error("focus mode attempted a plate solve")
	}
}

func TestCaptureBoresight(t *testing.T) {
	h := newHarness(t, 40)
	center := alg.CelestialCoord{RA: 180, Dec: 30}
	h.fake.SetCenter(center)

	// Slew to a target just off the boresight so it lands on-sensor.
	h.slews.Initiate(alg.CelestialCoord{RA: 180.2, Dec: 30.1}, "")

	awaitSnapshot(t, h, 15*time.Second, func(r *assemble.FrameResult) bool {
		return r.SlewRequest != nil && r.SlewRequest.ImagePos != nil
	})

	if err := h.ctrl.CaptureBoresight(); err != nil {
		t.Fatalf("CaptureBoresight: %v", err)
	}
	req := h.slews.Active()
	bore := h.ctrl.Boresight()
	if bore.X != req.ImagePos.X || bore.Y != req.ImagePos.Y {
		t.Errorf("boresight %+v, want slew target pixel %+v", bore, req.ImagePos)
	}

	// The new boresight is persisted.
	saved := h.store.Get().Boresight
	if saved == nil || saved.X != bore.X || saved.Y != bore.Y {
		t.Errorf("persisted boresight = %+v, want %+v", saved, bore)
	}
}

func TestCaptureBoresightWithoutSlew(t *testing.T) {
	h := newHarness(t, 10)
	if err := h.ctrl.CaptureBoresight(); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("err = %v, want ErrInvalidSettings", err)
	}
}

func TestDesignateBoresight(t *testing.T) {
	h := newHarness(t, 10)
	if err := h.ctrl.DesignateBoresight(alg.ImageCoord{X: 100, Y: 80}); err != nil {
		t.Fatal(err)
	}
	if bore := h.ctrl.Boresight(); bore.X != 100 || bore.Y != 80 {
		t.Errorf("boresight = %+v", bore)
	}
	// Outside the frame is rejected.
	if err := h.ctrl.DesignateBoresight(alg.ImageCoord{X: 5000, Y: 80}); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("out-of-frame designate err = %v", err)
	}
}

func TestObserverGatesLocationInfo(t *testing.T) {
	h := newHarness(t, 40)

	// Without an observer location, location-based info is suppressed.
	snap := awaitSnapshot(t, h, 15*time.Second, func(r *assemble.FrameResult) bool {
		return r.PlateSolution != nil
	})
	if snap.LocationBasedInfo != nil {
		t.Error("location info present without observer location")
	}
	if snap.PolarAlignAdvice != nil {
		t.Error("polar advice present without observer location")
	}

	loc := alg.LatLong{Latitude: 40, Longitude: -75}
	if _, err := h.ctrl.UpdateFixedSettings(FixedSettingsPatch{ObserverLocation: &loc}); err != nil {
		t.Fatal(err)
	}
	snap = awaitSnapshot(t, h, 15*time.Second, func(r *assemble.FrameResult) bool {
		return r.PlateSolution != nil && r.LocationBasedInfo != nil
	})
	if snap.LocationBasedInfo.Azimuth < 0 || snap.LocationBasedInfo.Azimuth >= 360 {
		t.Errorf("azimuth = %v out of range", snap.LocationBasedInfo.Azimuth)
	}
}

func TestSnapshotConsistency(t *testing.T) {
	h := newHarness(t, 40)
	snap := awaitSnapshot(t, h, 15*time.Second, func(r *assemble.FrameResult) bool {
		return r.PlateSolution != nil
	})
	// Metadata in one snapshot derives from the same raw frame.
	if snap.CaptureTime.IsZero() {
		t.Error("no capture time")
	}
	if snap.ExposureMS <= 0 {
		t.Error("no exposure")
	}
	if snap.StarCount != len(snap.StarCandidates) {
		t.Errorf("star_count %d != %d candidates", snap.StarCount, len(snap.StarCandidates))
	}
	if snap.ServerInformation.Camera == nil {
		t.Error("server information missing camera")
	}
	if snap.Preferences == nil {
		t.Error("preferences absent from snapshot")
	}
}
