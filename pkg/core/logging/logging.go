// Package logging builds the charmbracelet logger shared by every stage.
package logging

import (
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// New returns a timestamped logger at the named level ("debug", "info",
// "warn", "error"). Unknown levels fall back to info.
func New(w io.Writer, level string) *log.Logger {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = log.InfoLevel
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
}

// Component derives the logger of one stage, e.g. Component(l, "fetch").
func Component(l *log.Logger, name string) *log.Logger {
	return l.WithPrefix(name)
}

// Discard is a logger for tests and quiet runs.
func Discard() *log.Logger {
	return log.New(io.Discard)
}
