package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/banshee-data/starfix/internal/camera"
	"github.com/banshee-data/starfix/internal/detect"
	"github.com/banshee-data/starfix/internal/solver"
)

func testEngine(t *testing.T, cam camera.Camera, fake solver.Solver) (*Engine, chan *Output) {
	t.Helper()
	outputs := make(chan *Output, 64)
	e := New(Config{
		Camera:      cam,
		Detector:    detect.NewBuiltinDetector(),
		Solver:      fake,
		MaxExposure: time.Second,
		OnResult: func(o *Output) {
			select {
			case outputs <- o:
			default:
			}
		},
	})
	return e, outputs
}

func collect(t *testing.T, outputs chan *Output, n int, timeout time.Duration) []*Output {
	t.Helper()
	var got []*Output
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case o := <-outputs:
			got = append(got, o)
		case <-deadline:
			t.Fatalf("collected %d/%d outputs before timeout", len(got), n)
		}
	}
	return got
}

func TestEngineEndToEnd(t *testing.T) {
	cam := camera.NewSimCamera(camera.SimConfig{
		Width: 320, Height: 240, NumStars: 25, Seed: 7,
	})
	cam.SetExposure(20 * time.Millisecond)
	fake := solver.NewFake()

	e, outputs := testEngine(t, cam, fake)
	e.SetAutoExposureEnabled(false)
	e.SetDetectConfig(DetectConfig{Sigma: 8, Binning: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	got := collect(t, outputs, 5, 10*time.Second)

	var prevID int64
	solved := 0
	for _, o := range got {
		if o.Frame == nil {
			t.Fatal("unexpected camera fault output")
		}
		if o.Frame.ID <= prevID {
			t.Errorf("frame id %d not increasing past %d", o.Frame.ID, prevID)
		}
		prevID = o.Frame.ID
		if o.Detect == nil {
			t.Fatal("missing detect result")
		}
		if o.Detect.FrameID != o.Frame.ID {
			t.Errorf("detect result for frame %d attached to frame %d",
				o.Detect.FrameID, o.Frame.ID)
		}
		for _, c := range o.Detect.Candidates {
			if c.Pos.X < 0 || c.Pos.X >= float64(o.Frame.Width) ||
				c.Pos.Y < 0 || c.Pos.Y >= float64(o.Frame.Height) {
				t.Errorf("centroid (%v,%v) outside frame", c.Pos.X, c.Pos.Y)
			}
		}
		if o.Solution != nil {
			solved++
			if o.Solution.FOV <= 0 {
				t.Error("solution with non-positive FOV")
			}
			if o.Solution.NumMatches < solver.MinimumStars {
				t.Errorf("solution with %d matches", o.Solution.NumMatches)
			}
		}
	}
	if solved == 0 {
		t.Error("no frame was plate-solved")
	}
	if e.Stats().OverallLatency.SessionCount() == 0 {
		t.Error("no latency samples recorded")
	}
}

func TestEngineSkipsSolveBelowMinimum(t *testing.T) {
	// A starless scene: detections fall below the solver minimum, so the
	// frame publishes with no solve attempted.
	cam := camera.NewSimCamera(camera.SimConfig{
		Width: 160, Height: 120, NumStars: 1, Seed: 3,
	})
	cam.SetExposure(5 * time.Millisecond)
	fake := solver.NewFake()

	e, outputs := testEngine(t, cam, fake)
	e.SetAutoExposureEnabled(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	got := collect(t, outputs, 3, 10*time.Second)
	for _, o := range got {
		if o.SolveAttempted {
			t.Errorf("solve attempted with %d candidates", len(o.Detect.Candidates))
		}
		if o.Solution != nil {
			t.Error("unexpected solution")
		}
	}
	if fake.SolveCount != 0 {
		t.Errorf("solver called %d times", fake.SolveCount)
	}
	if frac := e.Stats().SolveAttempt.Snapshot().Recent.Mean; frac != 0 {
		t.Errorf("attempt fraction = %v, want 0", frac)
	}
}

func TestEngineCameraFault(t *testing.T) {
	cam := camera.NewSimCamera(camera.SimConfig{Width: 160, Height: 120, Seed: 1})
	cam.SetExposure(5 * time.Millisecond)
	cam.Fault.Store(true)
	fake := solver.NewFake()

	e, outputs := testEngine(t, cam, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	// The engine still publishes so clients keep seeing server info.
	select {
	case o := <-outputs:
		if o.Frame != nil {
			t.Fatal("fault output carries a frame")
		}
		if o.CameraFault == "" {
			t.Fatal("fault output missing the error text")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no fault output published")
	}
}

func TestEngineSolveFailureIsNotFatal(t *testing.T) {
	cam := camera.NewSimCamera(camera.SimConfig{
		Width: 320, Height: 240, NumStars: 25, Seed: 7,
	})
	cam.SetExposure(20 * time.Millisecond)
	fake := solver.NewFake()
	fake.Err = &solver.Error{Reason: solver.FailureSolverFailed, Message: "sidecar down"}

	e, outputs := testEngine(t, cam, fake)
	e.SetAutoExposureEnabled(false)
	e.SetDetectConfig(DetectConfig{Sigma: 8, Binning: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	got := collect(t, outputs, 3, 10*time.Second)
	for _, o := range got {
		if o.Solution != nil {
			t.Error("solution from a failing solver")
		}
		if o.SolveAttempted && o.SolveFailure != solver.FailureSolverFailed {
			t.Errorf("failure reason = %q", o.SolveFailure)
		}
	}
}

func TestRequestCameraSettingsApplied(t *testing.T) {
	cam := camera.NewSimCamera(camera.SimConfig{Width: 160, Height: 120, Seed: 2})
	cam.SetExposure(5 * time.Millisecond)
	fake := solver.NewFake()

	e, outputs := testEngine(t, cam, fake)
	e.SetAutoExposureEnabled(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	collect(t, outputs, 1, 10*time.Second)

	exp := 9 * time.Millisecond
	gain := 42
	e.RequestCameraSettings(CameraRequest{Exposure: &exp, Gain: &gain})

	// Settings apply between exposures, visible within two captures.
	deadline := time.After(10 * time.Second)
	for {
		select {
		case o := <-outputs:
			if o.Frame != nil && o.Frame.Exposure == exp && o.Frame.Gain == gain {
				return
			}
		case <-deadline:
			t.Fatal("camera settings never applied")
		}
	}
}
