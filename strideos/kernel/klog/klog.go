// Package klog is the kernel's leveled logger.
//
// Lines go to a Sink, which hal.Logger satisfies. Each line carries the level
// and the kernel time in milliseconds:
//
//	[ INFO][    120] kernel: spawned pid 3 (prio8)
package klog

import (
	"fmt"
	"strings"
	"sync"
)

// Sink receives complete log lines.
type Sink interface {
	WriteLineString(s string)
}

// Level orders log severity; lower is more severe.
type Level uint8

const (
	LevelOff Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

func (l Level) tag() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return " WARN"
	case LevelInfo:
		return " INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "TRACE"
	}
}

// ParseLevel maps a level name (case-insensitive) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none":
		return LevelOff, nil
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	default:
		return LevelOff, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger formats and filters kernel log lines. The zero value discards
// everything; a nil *Logger is also valid.
type Logger struct {
	mu    sync.Mutex
	sink  Sink
	level Level
	now   func() uint64
}

// New returns a logger writing lines at or above level to sink.
func New(sink Sink, level Level) *Logger {
	return &Logger{sink: sink, level: level}
}

// SetClock installs the time source used for the line prefix.
func (l *Logger) SetClock(now func() uint64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Enabled reports whether lines at lvl are written.
func (l *Logger) Enabled(lvl Level) bool {
	return l != nil && l.sink != nil && lvl != LevelOff && lvl <= l.level
}

func (l *Logger) logf(lvl Level, format string, args ...any) {
	if !l.Enabled(lvl) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var ms uint64
	if l.now != nil {
		ms = l.now()
	}
	l.sink.WriteLineString(fmt.Sprintf("[%s][%7d] ", lvl.tag(), ms) + fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Tracef(format string, args ...any) { l.logf(LevelTrace, format, args...) }
