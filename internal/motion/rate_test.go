package motion

import (
	"math"
	"testing"
	"time"
)

func TestRateEstimation(t *testing.T) {
	now := time.Date(2026, 8, 6, 0, 0, 0, 0, time.UTC)
	re := NewRateEstimation(5, now, 1.0)
	if re.Count() != 1 {
		t.Fatalf("count = %d, want 1", re.Count())
	}

	now = now.Add(time.Second)
	if !re.FitsTrend(now, 1.1, 1.0) {
		t.Error("second point should always fit")
	}
	re.Add(now, 1.1, 0.1)
	if re.Count() != 2 {
		t.Fatalf("count = %d, want 2", re.Count())
	}
	if math.Abs(re.Slope()-0.1) > 0.001 {
		t.Errorf("slope = %v, want 0.1", re.Slope())
	}

	now = now.Add(time.Second)
	if !re.FitsTrend(now, 1.22, 1.0) {
		t.Error("third point should fit with < 3 samples")
	}
	re.Add(now, 1.22, 0.1)
	if math.Abs(re.Slope()-0.11) > 0.001 {
		t.Errorf("slope = %v, want 0.11", re.Slope())
	}
	if math.Abs(re.RateIntervalBound()-0.07) > 0.01 {
		t.Errorf("rate interval bound = %v, want ~0.07", re.RateIntervalBound())
	}

	now = now.Add(time.Second)
	if re.FitsTrend(now, 1.25, 1.0) {
		t.Error("off-trend point accepted")
	}
	if !re.FitsTrend(now, 1.31, 1.0) {
		t.Error("on-trend point rejected")
	}
}

func TestRateEstimationRegressedTime(t *testing.T) {
	now := time.Date(2026, 8, 6, 0, 0, 0, 0, time.UTC)
	re := NewRateEstimation(5, now, 1.0)
	re.Add(now.Add(time.Second), 1.1, 0)
	slope := re.Slope()

	// A regressed time is dropped without disturbing the estimate.
	re.Add(now, 5.0, 0)
	if re.Slope() != slope {
		t.Errorf("slope changed on regressed time: %v != %v", re.Slope(), slope)
	}
}

func TestReservoirBounded(t *testing.T) {
	r := newReservoir(10)
	for i := 0; i < 1000; i++ {
		r.add(ratePoint{t: time.Unix(int64(i), 0), y: float64(i)})
	}
	if len(r.samples) != 10 {
		t.Errorf("reservoir holds %d, want 10", len(r.samples))
	}
	if r.addCount != 1000 {
		t.Errorf("addCount = %d, want 1000", r.addCount)
	}
}
