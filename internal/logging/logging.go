// Package logging wraps charmbracelet/log with component-prefixed loggers.
//
// Call Setup once at startup, before any New call: child loggers copy the
// default logger's level and formatter at creation time.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Setup configures the default logger. level is one of debug, info, warn,
// error; jsonFormat switches to NDJSON output. All output goes to stderr.
func Setup(level string, jsonFormat bool) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	log.SetReportTimestamp(true)
	if jsonFormat {
		log.SetFormatter(log.JSONFormatter)
	} else {
		log.SetFormatter(log.TextFormatter)
	}
	return nil
}

// ParseLevel maps a level name to a log.Level. Empty means info.
func ParseLevel(level string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel, nil
	case "", "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	}
	return log.InfoLevel, fmt.Errorf("unknown log level %q", level)
}

// New creates a logger with the given component prefix.
func New(component string) *log.Logger {
	return log.WithPrefix(component)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *log.Logger {
	return log.New(io.Discard)
}
