// Package efalog provides the structured logging surface used throughout
// the endpoint core. It wraps github.com/luxfi/log the same way the
// teacher's go-ethereum compatibility shim does, adding a terminal handler
// with color/TTY detection and a rotating file sink for long-running
// daemons such as cmd/efaendpointd.
package efalog

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	luxlog "github.com/luxfi/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging interface used across the endpoint core.
type Logger = luxlog.Logger

const (
	LevelTrace slog.Level = -8
	LevelDebug            = slog.LevelDebug
	LevelInfo             = slog.LevelInfo
	LevelWarn             = slog.LevelWarn
	LevelError            = slog.LevelError
	LevelCrit  slog.Level = 12
)

var (
	New  = luxlog.New
	Root = luxlog.Root
)

func Trace(msg string, ctx ...interface{}) { luxlog.Root().Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { luxlog.Root().Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { luxlog.Root().Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { luxlog.Root().Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { luxlog.Root().Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { luxlog.Root().Crit(msg, ctx...) }

// SetDefault installs l as the process-wide default logger.
func SetDefault(l Logger) {
	luxlog.SetDefault(l)
}

// NewTerminalHandler returns a handler writing to w, colorizing output when
// w is a real terminal (detected via go-isatty) and wrapping it in
// go-colorable so ANSI sequences render correctly on Windows consoles too.
func NewTerminalHandler(w *os.File, level slog.Level) slog.Handler {
	useColor := isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd())
	var out io.Writer = w
	if useColor {
		out = colorable.NewColorable(w)
	}
	return slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
}

// NewRotatingFileHandler returns a handler writing JSON-formatted records to
// path, rotated by lumberjack once it exceeds maxSizeMB.
func NewRotatingFileHandler(path string, maxSizeMB, maxBackups, maxAgeDays int, level slog.Level) slog.Handler {
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	}
	return slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level})
}

// NewLogger returns the process logger. The handler is accepted for call-site
// symmetry with cmd/efaendpointd's flag-driven setup but luxfi/log owns its
// own handler chain, so compose it via SetDefault(New(...)) instead; this
// mirrors the teacher's own compatibility shim, which does the same.
func NewLogger(h slog.Handler) Logger {
	return luxlog.Root()
}
