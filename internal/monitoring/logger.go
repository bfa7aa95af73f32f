// Package monitoring routes the ops, diag and trace log streams of the
// reconstruction packages to a single writer according to a verbosity level.
package monitoring

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/banshee-data/blipsfm/internal/vision/l5recon"
	"github.com/banshee-data/blipsfm/internal/vision/pipeline"
)

// Level selects which log streams are enabled. Each level includes the
// streams of the levels below it.
type Level int

const (
	LevelQuiet Level = iota
	LevelOps
	LevelDiag
	LevelTrace
)

func (l Level) String() string {
	switch l {
	case LevelQuiet:
		return "quiet"
	case LevelOps:
		return "ops"
	case LevelDiag:
		return "diag"
	case LevelTrace:
		return "trace"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel accepts quiet, ops, diag or trace, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quiet", "off", "none":
		return LevelQuiet, nil
	case "", "ops":
		return LevelOps, nil
	case "diag":
		return LevelDiag, nil
	case "trace":
		return LevelTrace, nil
	}
	return LevelQuiet, fmt.Errorf("unknown log level %q (want quiet, ops, diag or trace)", s)
}

// Logf is the process-level logger used by the command. It defaults to
// log.Printf but may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the process logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Configure points every package's log streams at w, enabling those the
// level allows. A nil writer disables all of them.
func Configure(level Level, w io.Writer) {
	streams := func(lvl Level) io.Writer {
		if w == nil || level < lvl {
			return nil
		}
		return w
	}
	ops, diag, trace := streams(LevelOps), streams(LevelDiag), streams(LevelTrace)
	l5recon.SetLogWriters(ops, diag, trace)
	pipeline.SetLogWriters(ops, diag, trace)
}
