package observability

import (
	"fmt"
	"log"
	"strings"
)

// StdLogger adapts a stdlib *log.Logger to the Logger interface.
type StdLogger struct {
	logger *log.Logger
	debug  bool
}

// NewStdLogger wraps the provided logger; debug controls whether Debug lines
// are emitted.
func NewStdLogger(logger *log.Logger, debug bool) *StdLogger {
	return &StdLogger{logger: logger, debug: debug}
}

// Debug emits a debug-level line when enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.write("DEBUG", msg, fields)
}

// Info emits an info-level line.
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.write("INFO", msg, fields)
}

// Error emits an error-level line.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.write("ERROR", msg, fields)
}

func (l *StdLogger) write(level, msg string, fields []Field) {
	if l.logger == nil {
		return
	}
	if len(fields) == 0 {
		l.logger.Printf("%s %s", level, msg)
		return
	}
	pairs := make([]string, 0, len(fields))
	for _, f := range fields {
		pairs = append(pairs, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	l.logger.Printf("%s %s %s", level, msg, strings.Join(pairs, " "))
}
