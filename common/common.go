// Package common holds identity and logging setup shared by the mpstudy binaries.
package common

import (
	"log/slog"
	"os"
)

// PackageName identifies this module in metrics and logs.
const PackageName = "github.com/securecollab/mpstudy"

// Version is set at build time via -ldflags.
var Version = "dev"

// LoggingOpts configures the structured logger for a binary.
type LoggingOpts struct {
	// JSON emits JSON log lines instead of text.
	JSON bool

	// Debug lowers the log level to debug.
	Debug bool

	// Service is attached to every log line.
	Service string
}

// SetupLogger builds the process-wide slog logger.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	log := slog.New(handler)
	if opts.Service != "" {
		log = log.With("service", opts.Service, "version", Version)
	}
	return log
}
