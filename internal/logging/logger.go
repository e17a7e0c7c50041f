// Package logging configures the process-wide logrus logger and provides the
// HTTP middleware that logs every request.
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects log level, format and destination.
type Config struct {
	Level     string // debug|info|warn|error|quiet
	Format    string // text|json
	File      string // empty logs to stderr only
	MaxSizeMB int    // rotation threshold for File
}

// Setup applies cfg to the standard logrus logger. When a file is
// configured, output goes to both stderr and the rotating file; the returned
// closer releases the file.
func Setup(cfg Config) io.Closer {
	SetLogLevel(cfg.Level)

	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "2006/01/02 15:04:05"})
	}

	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}
	}

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: 3,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return rotator
}

// SetLogLevel sets the global level from a name. Unknown names fall back to
// info.
func SetLogLevel(level string) {
	log.SetLevel(ParseLevel(level))
}

// ParseLevel maps a level name to a logrus level. "verbose" is an alias for
// debug and "quiet"/"silent" only let fatal messages through.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "quiet", "silent":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
