package log

import (
	"fmt"
	stdlog "log"
	"os"

	"github.com/placekeeper-io/placekeeper/log/tag"
)

// Logger is the logging interface used by all components
type Logger interface {
	Debug(msg string, tags ...tag.Tag)
	Info(msg string, tags ...tag.Tag)
	Warn(msg string, tags ...tag.Tag)
	Error(msg string, tags ...tag.Tag)
}

type defaultLogger struct {
	logger *stdlog.Logger
}

// NewDefaultLogger creates a logger writing to stderr with the standard flags
func NewDefaultLogger() Logger {
	return &defaultLogger{
		logger: stdlog.New(os.Stderr, "", stdlog.LstdFlags|stdlog.Lmicroseconds),
	}
}

func (l *defaultLogger) Debug(msg string, tags ...tag.Tag) { l.print("DEBUG", msg, tags) }
func (l *defaultLogger) Info(msg string, tags ...tag.Tag)  { l.print("INFO", msg, tags) }
func (l *defaultLogger) Warn(msg string, tags ...tag.Tag)  { l.print("WARN", msg, tags) }
func (l *defaultLogger) Error(msg string, tags ...tag.Tag) { l.print("ERROR", msg, tags) }

func (l *defaultLogger) print(level, msg string, tags []tag.Tag) {
	out := level + " " + msg
	for _, t := range tags {
		out += fmt.Sprintf(" %s=%v", t.Key, t.Value)
	}
	l.logger.Println(out)
}
