package pipeline

import (
	"testing"
	"time"

	"github.com/banshee-data/starfix/internal/alg"
	"github.com/banshee-data/starfix/internal/camera"
	"github.com/banshee-data/starfix/internal/detect"
)

func TestExposureLadder(t *testing.T) {
	ladder := ExposureLadder(time.Second)
	if len(ladder) == 0 {
		t.Fatal("empty ladder")
	}
	if ladder[0] != 10*time.Microsecond {
		t.Errorf("ladder starts at %v, want 10µs", ladder[0])
	}
	// Six values per decade: 10, 15, 20, 35, 50, 75.
	want := []time.Duration{
		10 * time.Microsecond, 15 * time.Microsecond, 20 * time.Microsecond,
		35 * time.Microsecond, 50 * time.Microsecond, 75 * time.Microsecond,
		100 * time.Microsecond,
	}
	for i, w := range want {
		if ladder[i] != w {
			t.Errorf("ladder[%d] = %v, want %v", i, ladder[i], w)
		}
	}
	for i := 1; i < len(ladder); i++ {
		if ladder[i] <= ladder[i-1] {
			t.Errorf("ladder not ascending at %d", i)
		}
	}
	if last := ladder[len(ladder)-1]; last > time.Second {
		t.Errorf("ladder exceeds max: %v", last)
	}
}

func TestLadderValueSaturates(t *testing.T) {
	max := time.Second
	ladder := ExposureLadder(max)
	if got := LadderValue(max, -5); got != ladder[0] {
		t.Errorf("index below range = %v, want %v", got, ladder[0])
	}
	if got := LadderValue(max, len(ladder)+10); got != ladder[len(ladder)-1] {
		t.Errorf("index past range = %v, want %v", got, ladder[len(ladder)-1])
	}
	if got := LadderValue(max, 3); got != 35*time.Microsecond {
		t.Errorf("ladder[3] = %v, want 35µs", got)
	}
}

func frameWithExposure(exp time.Duration) *camera.Frame {
	return &camera.Frame{
		ID: 1, Width: 100, Height: 100,
		Exposure: exp, ParamsAccurate: true,
	}
}

func resultWithStars(n int, mean float64) *detect.Result {
	res := &detect.Result{MeanBrightness: mean}
	for i := 0; i < n; i++ {
		res.Candidates = append(res.Candidates, detect.StarCandidate{
			Pos: alg.ImageCoord{X: float64(i), Y: float64(i)}, Brightness: 100,
		})
	}
	return res
}

func TestStarCountPolicyDeadband(t *testing.T) {
	a := newAutoExposure(time.Second)
	a.setStarCountGoal(20)

	// Exactly on goal: no change.
	if _, change := a.next(frameWithExposure(100*time.Millisecond), resultWithStars(20, 50)); change {
		t.Error("exposure changed while on goal")
	}
}

func TestStarCountPolicyShortfall(t *testing.T) {
	a := newAutoExposure(time.Second)
	a.setStarCountGoal(20)

	// Half the goal: exposure roughly doubles.
	next, change := a.next(frameWithExposure(100*time.Millisecond), resultWithStars(10, 50))
	if !change {
		t.Fatal("no exposure change on 2x shortfall")
	}
	if next < 150*time.Millisecond || next > 250*time.Millisecond {
		t.Errorf("next exposure = %v, want ~200ms", next)
	}
}

func TestStarCountPolicyBrightSkyGuard(t *testing.T) {
	a := newAutoExposure(time.Second)
	a.setStarCountGoal(20)

	// Short on stars but the sky is already bright: hold.
	if _, change := a.next(frameWithExposure(100*time.Millisecond), resultWithStars(10, 200)); change {
		t.Error("exposure raised into a bright sky")
	}
}

func TestStarCountPolicyClampedToMax(t *testing.T) {
	a := newAutoExposure(200 * time.Millisecond)
	a.setStarCountGoal(20)

	next, change := a.next(frameWithExposure(150*time.Millisecond), resultWithStars(5, 50))
	if !change {
		t.Fatal("no change")
	}
	if next != 200*time.Millisecond {
		t.Errorf("exposure = %v, want clamped to 200ms", next)
	}
}

func TestFewStarsFallsBack(t *testing.T) {
	a := newAutoExposure(time.Second)
	a.setCalibrated(100 * time.Millisecond)

	// Slewing (almost no stars): revert to the known-good exposure.
	next, change := a.next(frameWithExposure(400*time.Millisecond), resultWithStars(1, 30))
	if !change {
		t.Fatal("no fallback applied")
	}
	if next != 100*time.Millisecond {
		t.Errorf("fallback = %v, want 100ms", next)
	}
}

func TestFocusPolicy(t *testing.T) {
	a := newAutoExposure(time.Second)
	a.setPolicy(PolicyFocusPeak)

	// Saturated central region: knocked back hard. The full-frame mean
	// stays low to prove the policy reads the central crop, not the
	// whole frame.
	res := &detect.Result{MeanBrightness: 40, CenterMean: 252, PeakValue: 255}
	next, change := a.next(frameWithExposure(100*time.Millisecond), res)
	if !change || next >= 100*time.Millisecond {
		t.Errorf("saturated scene not knocked back: %v/%v", next, change)
	}

	// Dim central peak: exposure rises toward the peak goal.
	res = &detect.Result{MeanBrightness: 80, CenterMean: 10, PeakValue: 16}
	next, change = a.next(frameWithExposure(100*time.Millisecond), res)
	if !change || next <= 100*time.Millisecond {
		t.Errorf("dim peak did not raise exposure: %v/%v", next, change)
	}
}

func TestDaylightPolicy(t *testing.T) {
	a := newAutoExposure(time.Second)
	a.setPolicy(PolicyDaylight)

	// A central region whose 90th percentile is dim, inside a frame
	// whose full histogram is bright: only the central crop counts.
	res := &detect.Result{}
	for i := 0; i < 1000; i++ {
		res.CenterHistogram[40]++
		res.Histogram[250]++
	}
	next, change := a.next(frameWithExposure(10*time.Millisecond), res)
	if !change || next <= 10*time.Millisecond {
		t.Errorf("dim daylight scene did not raise exposure: %v/%v", next, change)
	}

	// Saturated central region: knocked back.
	res = &detect.Result{}
	for i := 0; i < 1000; i++ {
		res.CenterHistogram[255]++
	}
	next, change = a.next(frameWithExposure(10*time.Millisecond), res)
	if !change || next >= 10*time.Millisecond {
		t.Errorf("saturated daylight scene not knocked back: %v/%v", next, change)
	}
}

func TestDisabledAutoExposure(t *testing.T) {
	a := newAutoExposure(time.Second)
	a.setEnabled(false)
	if _, change := a.next(frameWithExposure(100*time.Millisecond), resultWithStars(1, 30)); change {
		t.Error("disabled controller changed the exposure")
	}
}
