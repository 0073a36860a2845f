package log

import "github.com/sirupsen/logrus"

// entryLogger satisfies Logger with a logrus entry. The level methods are
// promoted from the entry; only the field builders need rewrapping.
type entryLogger struct {
	*logrus.Entry
}

func wrap(e *logrus.Entry) Logger {
	return entryLogger{Entry: e}
}

func (l entryLogger) WithField(field string, value interface{}) Logger {
	return wrap(l.Entry.WithField(field, value))
}

func (l entryLogger) WithFields(fields map[string]interface{}) Logger {
	return wrap(l.Entry.WithFields(fields))
}

func (l entryLogger) WithError(err error) Logger {
	return wrap(l.Entry.WithError(err))
}

func (l entryLogger) IsTraceEnabled() bool { return l.enabled(logrus.TraceLevel) }
func (l entryLogger) IsDebugEnabled() bool { return l.enabled(logrus.DebugLevel) }
func (l entryLogger) IsInfoEnabled() bool  { return l.enabled(logrus.InfoLevel) }

func (l entryLogger) enabled(level logrus.Level) bool {
	return l.Entry.Logger.IsLevelEnabled(level)
}
