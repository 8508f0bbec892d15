package matrix

import (
	"fmt"
	"log/slog"
	"strings"
)

// badgerLogger redirects badger's printf-style logging to the application
// logger, tagged with its origin.
type badgerLogger struct {
	log *slog.Logger
}

func newBadgerLogger(log *slog.Logger) *badgerLogger {
	return &badgerLogger{log: log.With("component", "badger")}
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(clean(format, args))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(clean(format, args))
}

// Badger is chatty at info level, its info logs go to debug.
func (l *badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(clean(format, args))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(clean(format, args))
}

func clean(format string, args []any) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
