// Package logging builds the slog logger shared by the agent and manager
// binaries: JSON records written both to stderr and to a size-rotated log
// file. Rotation keeps the on-disk footprint bounded on endpoints that run
// for months; all user-facing diagnosis happens through this file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// maxSizeMB rotates the log file once it reaches this size.
	maxSizeMB = 10
	// maxBackups is how many rotated files are retained.
	maxBackups = 5
)

// Log file names inside the configured log directory.
const (
	AgentFileName  = "cybersentinel_agent.log"
	ServerFileName = "cybersentinel_server.log"
)

// New constructs a *slog.Logger at the given minimum level. When dir is
// non-empty, records are tee'd to a rotated file named name under it; the
// returned closer flushes and closes the file writer and is safe to call on
// shutdown.
func New(level, dir, name string) (*slog.Logger, io.Closer) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if dir != "" {
		rotated := &lumberjack.Logger{
			Filename:   filepath.Join(dir, name),
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		}
		w = io.MultiWriter(os.Stderr, rotated)
		closer = rotated
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l})), closer
}
