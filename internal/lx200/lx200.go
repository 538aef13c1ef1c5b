// Package lx200 emulates a Meade LX200-compatible mounted telescope so
// planetarium applications can read the server's pointing and request
// slews. The front-end listens on TCP and, optionally, a serial port.
package lx200

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/starfix/internal/alg"
)

// Pointing supplies the current boresight sky position. ok is false when no
// plate solution is available yet.
type Pointing func() (pos alg.CelestialCoord, ok bool)

// SlewSink receives slew requests parsed off the wire.
type SlewSink interface {
	Initiate(target alg.CelestialCoord, catalogEntry string)
	Stop()
}

// Handler interprets the LX200 command stream for one connection. Each
// connection tracks its own pending target coordinates.
type Handler struct {
	pointing Pointing
	slews    SlewSink

	// Pending slew target, set by :Sr/:Sd, consumed by :MS.
	targetRA   *float64
	targetDec  *float64
}

// NewHandler creates a per-connection command handler.
func NewHandler(pointing Pointing, slews SlewSink) *Handler {
	return &Handler{pointing: pointing, slews: slews}
}

// ack is the classic alignment query byte.
const ack = 0x06

// Feed consumes raw bytes from the wire and returns the bytes to send back.
// LX200 commands are ":"-prefixed and "#"-terminated; the single byte 0x06
// asks for the alignment mode.
func (h *Handler) Feed(data []byte, pending *[]byte) []byte {
	var out []byte
	for _, b := range data {
		if b == ack && len(*pending) == 0 {
			// Alt-az alignment: we report the sky, not a pier side.
			out = append(out, 'A')
			continue
		}
		*pending = append(*pending, b)
		if b == '#' {
			cmd := strings.TrimSpace(string(*pending))
			*pending = (*pending)[:0]
			out = append(out, h.command(cmd)...)
		}
	}
	return out
}

// command executes one "#"-terminated command and returns the reply.
func (h *Handler) command(cmd string) []byte {
	cmd = strings.TrimSuffix(cmd, "#")
	if !strings.HasPrefix(cmd, ":") {
		return nil
	}
	body := cmd[1:]
	switch {
	case body == "GR":
		pos, ok := h.pointing()
		if !ok {
			return []byte("00:00:00#")
		}
		return []byte(formatRA(pos.RA) + "#")

	case body == "GD":
		pos, ok := h.pointing()
		if !ok {
			return []byte("+00*00:00#")
		}
		return []byte(formatDec(pos.Dec) + "#")

	case strings.HasPrefix(body, "Sr"):
		ra, err := parseRA(strings.TrimSpace(body[2:]))
		if err != nil {
			return []byte("0")
		}
		h.targetRA = &ra
		return []byte("1")

	case strings.HasPrefix(body, "Sd"):
		dec, err := parseDec(strings.TrimSpace(body[2:]))
		if err != nil {
			return []byte("0")
		}
		h.targetDec = &dec
		return []byte("1")

	case body == "MS":
		if h.targetRA == nil || h.targetDec == nil {
			// "2" with message would be the full protocol; a bare
			// object-below-horizon style refusal is enough here.
			return []byte("2<#")
		}
		h.slews.Initiate(alg.CelestialCoord{RA: *h.targetRA, Dec: *h.targetDec}, "")
		return []byte("0")

	case body == "Q" || strings.HasPrefix(body, "Q"):
		h.slews.Stop()
		return nil

	case body == "CM":
		// Sync request: acknowledged without realigning; the server's
		// pointing comes from plate solves, not from the client.
		return []byte(" M31    EX GAL MAG 3.5 SZ178.0'#")

	case body == "GVP":
		return []byte("starfix#")

	case body == "GVN":
		return []byte("1.0#")

	case body == "GW":
		// Mount type, tracking, alignment status.
		return []byte("AT0#")

	case strings.HasPrefix(body, "RS"), strings.HasPrefix(body, "RM"),
		strings.HasPrefix(body, "RC"), strings.HasPrefix(body, "RG"):
		// Slew rate selection: accepted silently.
		return nil
	}
	// Unrecognised commands get an empty terminated reply so clients do
	// not stall waiting.
	return []byte("#")
}

// formatRA renders degrees as HH:MM:SS.
func formatRA(raDeg float64) string {
	hours := raDeg / 15
	for hours < 0 {
		hours += 24
	}
	for hours >= 24 {
		hours -= 24
	}
	h := int(hours)
	m := int((hours - float64(h)) * 60)
	s := int(math.Round(((hours-float64(h))*60 - float64(m)) * 60))
	if s == 60 {
		s = 0
		m++
	}
	if m == 60 {
		m = 0
		h = (h + 1) % 24
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatDec renders degrees as sDD*MM:SS.
func formatDec(dec float64) string {
	sign := "+"
	if dec < 0 {
		sign = "-"
		dec = -dec
	}
	d := int(dec)
	m := int((dec - float64(d)) * 60)
	s := int(math.Round(((dec-float64(d))*60 - float64(m)) * 60))
	if s == 60 {
		s = 0
		m++
	}
	if m == 60 {
		m = 0
		d++
	}
	return fmt.Sprintf("%s%02d*%02d:%02d", sign, d, m, s)
}

// parseRA accepts HH:MM:SS or HH:MM.T and returns degrees.
func parseRA(s string) (float64, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("lx200: bad RA %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("lx200: bad RA hours %q", s)
	}
	m, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || m < 0 || m >= 60 {
		return 0, fmt.Errorf("lx200: bad RA minutes %q", s)
	}
	var sec float64
	if len(parts) == 3 {
		sec, err = strconv.ParseFloat(parts[2], 64)
		if err != nil || sec < 0 || sec >= 60 {
			return 0, fmt.Errorf("lx200: bad RA seconds %q", s)
		}
	}
	return (float64(h) + m/60 + sec/3600) * 15, nil
}

// parseDec accepts sDD*MM:SS, sDD*MM or sDD:MM:SS and returns degrees.
func parseDec(s string) (float64, error) {
	sign := 1.0
	switch {
	case strings.HasPrefix(s, "-"):
		sign = -1
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	norm := strings.NewReplacer("*", ":", "'", ":", "\xdf", ":").Replace(s)
	parts := strings.Split(norm, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("lx200: bad Dec %q", s)
	}
	d, err := strconv.Atoi(parts[0])
	if err != nil || d > 90 {
		return 0, fmt.Errorf("lx200: bad Dec degrees %q", s)
	}
	m, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || m < 0 || m >= 60 {
		return 0, fmt.Errorf("lx200: bad Dec minutes %q", s)
	}
	var sec float64
	if len(parts) == 3 {
		sec, err = strconv.ParseFloat(parts[2], 64)
		if err != nil || sec < 0 || sec >= 60 {
			return 0, fmt.Errorf("lx200: bad Dec seconds %q", s)
		}
	}
	val := sign * (float64(d) + m/60 + sec/3600)
	if val < -90 || val > 90 {
		return 0, fmt.Errorf("lx200: Dec out of range %q", s)
	}
	return val, nil
}
