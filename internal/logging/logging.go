// Package logging points the standard logger at stderr and, optionally, a
// size-rotated file.
package logging

import (
	"io"
	"log"
	"os"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"

	"livetraffic/internal/config"
)

var debug atomic.Bool

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup configures the standard logger from cfg. The returned closer flushes
// and closes the log file, if one was opened.
func Setup(cfg config.LogConfig) io.Closer {
	debug.Store(cfg.Level == "debug")
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}
	}
	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, file))
	return file
}

// Debugf logs only when the level is debug. Per-frame messages go here.
func Debugf(format string, args ...any) {
	if debug.Load() {
		log.Printf(format, args...)
	}
}

// DebugEnabled reports whether debug output is on.
func DebugEnabled() bool { return debug.Load() }
