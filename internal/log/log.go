// Package log provides the structured logger shared by all components.
// Loggers are constructed once and passed down; there is no global.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type Logger interface {
	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

// New builds a logger writing to stdout and, when enabled, a rotating
// file.
func New(cfg Config) (Logger, error) {
	out := NewMultiWriter().Add(os.Stdout)
	if cfg.File.Enabled {
		if cfg.File.Filename == "" {
			return nil, fmt.Errorf("log: file appender requires a filename")
		}
		out.AddFileAppender(cfg.File)
	}
	return NewWithWriter(cfg, out)
}

// NewWithWriter builds a logger writing to w only.
func NewWithWriter(cfg Config, w io.Writer) (Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log: %w", err)
	}

	l := logrus.New()
	l.SetLevel(level)
	l.SetOutput(w)
	l.SetReportCaller(cfg.Caller)

	switch strings.ToLower(cfg.Format) {
	case FormatJSON:
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timeLayout(cfg)})
	case FormatPattern, "":
		pattern := cfg.Pattern
		if pattern == "" {
			pattern = DefaultPattern
		}
		l.SetFormatter(newFormatter(pattern, timeLayout(cfg)))
	default:
		return nil, fmt.Errorf("log: unsupported format %q (must be pattern or json)", cfg.Format)
	}

	return wrap(logrus.NewEntry(l)), nil
}

// Discard returns a logger that drops everything.
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return wrap(logrus.NewEntry(l))
}

func timeLayout(cfg Config) string {
	if cfg.Time == "" {
		return DefaultTime
	}
	return cfg.Time
}
