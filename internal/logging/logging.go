// Package logging builds the loggers the rest of the tool uses: standard
// library log.Logger values with bracketed subsystem prefixes, optionally
// mirrored to a size-rotated file so long-running syncs leave a trail.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where log output goes.
type Options struct {
	// Verbose also writes to stderr. Off by default so command output
	// stays clean.
	Verbose bool

	// File, when set, mirrors output to a rotated log file.
	File string
}

// New returns a logger for one subsystem, e.g. New("[sync] ", opts).
func New(prefix string, opts Options) *log.Logger {
	var writers []io.Writer
	if opts.Verbose {
		writers = append(writers, os.Stderr)
	}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}

	switch len(writers) {
	case 0:
		return log.New(io.Discard, prefix, log.LstdFlags)
	case 1:
		return log.New(writers[0], prefix, log.LstdFlags)
	default:
		return log.New(io.MultiWriter(writers...), prefix, log.LstdFlags)
	}
}
