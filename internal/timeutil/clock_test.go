package timeutil

import (
	"testing"
	"time"
)

func TestRealClockNow(t *testing.T) {
	c := RealClock{}
	before := time.Now()
	now := c.Now()
	if now.Before(before) {
		t.Errorf("RealClock.Now went backwards")
	}
	if c.Since(before) < 0 {
		t.Errorf("RealClock.Since negative")
	}
}

func TestMockClockAdvance(t *testing.T) {
	start := time.Date(2026, 8, 6, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	if !c.Now().Equal(start) {
		t.Fatalf("Now = %v, want %v", c.Now(), start)
	}
	c.Advance(time.Minute)
	if got := c.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Errorf("Now after advance = %v", got)
	}
	if got := c.Since(start); got != time.Minute {
		t.Errorf("Since = %v, want 1m", got)
	}
}

func TestMockClockAfter(t *testing.T) {
	c := NewMockClock(time.Date(2026, 8, 6, 0, 0, 0, 0, time.UTC))
	ch := c.After(10 * time.Second)

	c.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired early")
	default:
	}

	c.Advance(5 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire at its deadline")
	}

	// A fired waiter does not fire again.
	c.Advance(time.Minute)
	select {
	case <-ch:
		t.Fatal("After fired twice")
	default:
	}
}

func TestMockTicker(t *testing.T) {
	c := NewMockClock(time.Date(2026, 8, 6, 0, 0, 0, 0, time.UTC))
	ticker := c.NewTicker(time.Second)

	c.Advance(time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire")
	}

	ticker.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
