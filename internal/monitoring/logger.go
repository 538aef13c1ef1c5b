// Package monitoring provides the process-wide diagnostic logger.
//
// Three streams are carried: ops (actionable warnings, data loss), diag
// (day-to-day diagnostics), and trace (high-frequency per-frame telemetry).
// The STARFIX_LOG_LEVEL environment variable selects the most verbose
// stream that is enabled: "ops", "diag" (default) or "trace".
package monitoring

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level orders the log streams from least to most verbose.
type Level int

const (
	LevelOps Level = iota
	LevelDiag
	LevelTrace
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger. Tests can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var (
	mu    sync.Mutex
	level = LevelDiag
	tail  = newLogTail(64 * 1024)
)

// SetLogger replaces the package logger. Passing nil sets a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// InitLevelFromEnv reads STARFIX_LOG_LEVEL and applies it.
func InitLevelFromEnv() {
	switch strings.ToLower(os.Getenv("STARFIX_LOG_LEVEL")) {
	case "ops":
		SetLevel(LevelOps)
	case "trace":
		SetLevel(LevelTrace)
	case "diag", "":
		SetLevel(LevelDiag)
	}
}

// SetLevel sets the most verbose stream that is emitted.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// Opsf logs to the ops stream (always enabled).
func Opsf(format string, v ...interface{}) { emit(LevelOps, format, v...) }

// Diagf logs to the diag stream.
func Diagf(format string, v ...interface{}) { emit(LevelDiag, format, v...) }

// Tracef logs to the trace stream.
func Tracef(format string, v ...interface{}) { emit(LevelTrace, format, v...) }

func emit(l Level, format string, v ...interface{}) {
	mu.Lock()
	enabled := l <= level
	mu.Unlock()
	if !enabled {
		return
	}
	line := fmt.Sprintf(format, v...)
	tail.append(time.Now(), line)
	Logf("%s", line)
}

// TailBytes returns up to n bytes of the most recent log lines. Backs the
// server-log RPC so clients can inspect the process without shell access.
func TailBytes(n int) string {
	return tail.last(n)
}

// logTail is a bounded in-memory buffer of recent log lines.
type logTail struct {
	mu    sync.Mutex
	max   int
	lines []string
	size  int
}

func newLogTail(max int) *logTail {
	return &logTail{max: max}
}

func (t *logTail) append(when time.Time, line string) {
	entry := when.Format("15:04:05.000") + " " + line
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, entry)
	t.size += len(entry) + 1
	for t.size > t.max && len(t.lines) > 1 {
		t.size -= len(t.lines[0]) + 1
		t.lines = t.lines[1:]
	}
}

func (t *logTail) last(n int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	start := 0
	total := 0
	for i := len(t.lines) - 1; i >= 0; i-- {
		total += len(t.lines[i]) + 1
		if total > n {
			start = i + 1
			break
		}
	}
	for _, l := range t.lines[start:] {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}
