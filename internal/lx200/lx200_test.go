package lx200

import (
	"math"
	"testing"

	"github.com/banshee-data/starfix/internal/alg"
)

type fakeSlews struct {
	target  *alg.CelestialCoord
	stopped bool
}

func (f *fakeSlews) Initiate(target alg.CelestialCoord, catalogEntry string) {
	t := target
	f.target = &t
}

func (f *fakeSlews) Stop() { f.stopped = true }

func pointingAt(pos alg.CelestialCoord) Pointing {
	return func() (alg.CelestialCoord, bool) { return pos, true }
}

func noPointing() (alg.CelestialCoord, bool) {
	return alg.CelestialCoord{}, false
}

func feedAll(h *Handler, s string) string {
	var pending []byte
	return string(h.Feed([]byte(s), &pending))
}

func TestFormatRA(t *testing.T) {
	tests := []struct {
		deg  float64
		want string
	}{
		{0, "00:00:00"},
		{180, "12:00:00"},
		{187.5, "12:30:00"},
		{359.99999, "00:00:00"}, // rounds up and wraps
	}
	for _, tt := range tests {
		if got := formatRA(tt.deg); got != tt.want {
			t.Errorf("formatRA(%v) = %q, want %q", tt.deg, got, tt.want)
		}
	}
}

func TestFormatDec(t *testing.T) {
	tests := []struct {
		deg  float64
		want string
	}{
		{0, "+00*00:00"},
		{30.5, "+30*30:00"},
		{-12.25, "-12*15:00"},
		{89.999999, "+90*00:00"},
	}
	for _, tt := range tests {
		if got := formatDec(tt.deg); got != tt.want {
			t.Errorf("formatDec(%v) = %q, want %q", tt.deg, got, tt.want)
		}
	}
}

func TestParseRA(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"12:00:00", 180, false},
		{"12:30:00", 187.5, false},
		{"12:30", 187.5, false},
		{"24:00:00", 0, true},
		{"xx:00:00", 0, true},
	}
	for _, tt := range tests {
		got, err := parseRA(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseRA(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("parseRA(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseDec(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"+30*30:00", 30.5, false},
		{"-12*15:00", -12.25, false},
		{"+30*30", 30.5, false},
		{"+95*00:00", 0, true},
	}
	for _, tt := range tests {
		got, err := parseDec(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseDec(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("parseDec(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestGetPosition(t *testing.T) {
	h := NewHandler(pointingAt(alg.CelestialCoord{RA: 187.5, Dec: -12.25}), &fakeSlews{})
	if got := feedAll(h, ":GR#"); got != "12:30:00#" {
		t.Errorf(":GR# = %q", got)
	}
	if got := feedAll(h, ":GD#"); got != "-12*15:00#" {
		t.Errorf(":GD# = %q", got)
	}
}

func TestGetPositionNoSolution(t *testing.T) {
	h := NewHandler(noPointing, &fakeSlews{})
	if got := feedAll(h, ":GR#"); got != "00:00:00#" {
		t.Errorf(":GR# with no solution = %q", got)
	}
}

func TestSlewSequence(t *testing.T) {
	slews := &fakeSlews{}
	h := NewHandler(pointingAt(alg.CelestialCoord{RA: 180, Dec: 30}), slews)

	if got := feedAll(h, ":Sr 12:02:00#"); got != "1" {
		t.Fatalf(":Sr = %q, want 1", got)
	}
	if got := feedAll(h, ":Sd +30*30:00#"); got != "1" {
		t.Fatalf(":Sd = %q, want 1", got)
	}
	if got := feedAll(h, ":MS#"); got != "0" {
		t.Fatalf(":MS = %q, want 0", got)
	}
	if slews.target == nil {
		t.Fatal("no slew request created")
	}
	if math.Abs(slews.target.RA-180.5) > 1e-9 || math.Abs(slews.target.Dec-30.5) > 1e-9 {
		t.Errorf("slew target = %+v, want (180.5, 30.5)", slews.target)
	}

	feedAll(h, ":Q#")
	if !slews.stopped {
		t.Error(":Q# did not stop the slew")
	}
}

func TestSlewWithoutTargetRefused(t *testing.T) {
	h := NewHandler(pointingAt(alg.CelestialCoord{}), &fakeSlews{})
	if got := feedAll(h, ":MS#"); got == "0" {
		t.Error(":MS# without a target was accepted")
	}
}

func TestAckAndProductName(t *testing.T) {
	h := NewHandler(noPointing, &fakeSlews{})
	var pending []byte
	if got := string(h.Feed([]byte{ack}, &pending)); got != "A" {
		t.Errorf("ACK reply = %q, want A", got)
	}
	if got := feedAll(h, ":GVP#"); got != "starfix#" {
		t.Errorf(":GVP# = %q", got)
	}
}

func TestSplitCommandAcrossReads(t *testing.T) {
	h := NewHandler(pointingAt(alg.CelestialCoord{RA: 180, Dec: 0}), &fakeSlews{})
	var pending []byte
	out := h.Feed([]byte(":G"), &pending)
	if len(out) != 0 {
		t.Fatalf("partial command produced output %q", out)
	}
	out = h.Feed([]byte("R#"), &pending)
	if string(out) != "12:00:00#" {
		t.Errorf("split :GR# = %q", out)
	}
}
