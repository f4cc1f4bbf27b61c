// Package logging configures the daemon's slog output: colored
// human-readable lines when stderr is a terminal, JSON lines
// otherwise, with a process-wide level adjustable at runtime.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// level is shared by every handler Setup installs, so SetLevel takes
// effect without re-wiring the logger.
var level = new(slog.LevelVar)

// Setup installs the default logger. KAI_LOG_FORMAT=json forces JSON
// output even on a terminal, which keeps local runs greppable.
func Setup() {
	slog.SetDefault(slog.New(newHandler(os.Stderr)))
}

func newHandler(f *os.File) slog.Handler {
	tty := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	if tty && os.Getenv("KAI_LOG_FORMAT") != "json" {
		return tint.NewHandler(f, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
}

// SetLevel adjusts the process-wide log level.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel maps "debug", "info", "warn" or "error" (any case) to the
// matching slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}
