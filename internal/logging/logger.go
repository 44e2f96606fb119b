// Package logging provides a minimal, printf-style logging contract for the
// workflow core. Components receive a Logger by injection; nothing in this
// package is process-global except the default writer.
package logging

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// Logger defines a minimal, printf-style logging contract.
//
// It intentionally stays interface-only so engine and compiler code can depend
// on this package without committing callers to a concrete sink.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// writerLogger writes leveled, component-tagged lines to a single writer.
type writerLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	component string
}

// New creates a logger writing to out at the given minimum level.
func New(out io.Writer, level Level) Logger {
	if out == nil {
		out = os.Stderr
	}
	return &writerLogger{out: out, level: level}
}

// NewComponentLogger returns a stderr logger scoped to a component. The
// component tag appears in every line so interleaved output from concurrent
// node executions stays attributable.
func NewComponentLogger(component string) Logger {
	return &writerLogger{out: os.Stderr, level: LevelInfo, component: component}
}

// WithComponent returns a copy of logger scoped to component when logger was
// produced by this package; otherwise it returns logger unchanged.
func WithComponent(logger Logger, component string) Logger {
	wl, ok := logger.(*writerLogger)
	if !ok {
		return OrNop(logger)
	}
	return &writerLogger{out: wl.out, level: wl.level, component: component}
}

func (l *writerLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.component != "" {
		fmt.Fprintf(l.out, "[%s] [%s] [%s] %s\n", ts, level, l.component, msg)
		return
	}
	fmt.Fprintf(l.out, "[%s] [%s] %s\n", ts, level, msg)
}

func (l *writerLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *writerLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *writerLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *writerLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }
