// Package flog wraps logrus with a plain text formatter using full
// timestamps (JSON when MY_LOG_STYLE=json), and a PILOT_DEBUG-gated
// debug level, matching the original pilots' own debug() helper which
// only emits when that environment variable is set; MY_LOG_LEVEL sets
// the level otherwise.
package flog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the thin wrapper every pilot command threads through to
// its components instead of reaching for the logrus package-level
// functions directly.
type Logger struct {
	*logrus.Logger
}

// New builds a Logger writing to stderr (stdout is reserved for a
// command's own output, e.g. a podman exec'd shell). Debug level is
// enabled when PILOT_DEBUG is set in the environment; otherwise the
// level comes from MY_LOG_LEVEL, falling back to Info with a warning
// when that value is invalid, and Info when it is unset.
func New() *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if _, debug := os.LookupEnv("PILOT_DEBUG"); debug {
		l.SetLevel(logrus.DebugLevel)
	} else if lvl, ok := os.LookupEnv("MY_LOG_LEVEL"); ok {
		parsed, err := logrus.ParseLevel(lvl)
		if err != nil {
			l.Warnf("invalid MY_LOG_LEVEL %q, falling back to info", lvl)
			parsed = logrus.InfoLevel
		}
		l.SetLevel(parsed)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	if os.Getenv("MY_LOG_STYLE") == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Logger{Logger: l}
}

// Debugf is redeclared here only so callers can pass a nil *Logger in
// tests without panicking; a nil receiver silently drops the message.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l == nil || l.Logger == nil {
		return
	}
	l.Logger.Debugf(format, args...)
}
