// Package logger is the engine's leveled printf logger. Messages are written
// as "[LEVEL] [scope] text"; scopes nest through With and share the level of
// the logger they were derived from.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{DEBUG: "DEBUG", INFO: "INFO", WARN: "WARN", ERROR: "ERROR"}

func (l LogLevel) String() string {
	if l < DEBUG || l > ERROR {
		return "INFO"
	}
	return levelNames[l]
}

// sink is the process-wide destination shared by every Logger.
var sink = struct {
	sync.RWMutex
	out *log.Logger
}{out: log.New(os.Stderr, "", log.LstdFlags)}

var std = &Logger{level: newLevel(INFO)}

// Logger filters by level and prefixes its scope onto each message.
type Logger struct {
	level  *atomic.Int32
	prefix string
}

func newLevel(l LogLevel) *atomic.Int32 {
	v := new(atomic.Int32)
	v.Store(int32(l))
	return v
}

// New creates a root logger at the named level.
func New(level string) *Logger {
	return &Logger{level: newLevel(ParseLogLevel(level))}
}

// Default returns the package-level logger.
func Default() *Logger { return std }

// ParseLogLevel maps a level name onto a LogLevel; unknown names are INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	}
	return INFO
}

// SetOutput redirects every logger in the process to w.
func SetOutput(w io.Writer) {
	sink.Lock()
	sink.out = log.New(w, "", log.LstdFlags)
	sink.Unlock()
}

// SetLogLevel sets the level of the package-level logger and every scope
// derived from it.
func SetLogLevel(level string) { std.SetLevel(level) }

// GetLogLevel returns the package-level logger's level name.
func GetLogLevel() string { return std.GetLevel() }

// With returns a child logger whose messages carry "[tag]" after the
// parent's own scope.
func (l *Logger) With(tag string) *Logger {
	return &Logger{level: l.level, prefix: l.prefix + "[" + tag + "] "}
}

func (l *Logger) SetLevel(level string) { l.level.Store(int32(ParseLogLevel(level))) }

func (l *Logger) GetLevel() string { return LogLevel(l.level.Load()).String() }

// Enabled reports whether messages at level are written.
func (l *Logger) Enabled(level LogLevel) bool {
	return int32(level) >= l.level.Load()
}

func (l *Logger) logf(level LogLevel, format string, v ...interface{}) {
	if !l.Enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, v...)
	sink.RLock()
	defer sink.RUnlock()
	sink.out.Printf("[%s] %s%s", level, l.prefix, msg)
}

func (l *Logger) Debug(format string, v ...interface{}) { l.logf(DEBUG, format, v...) }
func (l *Logger) Info(format string, v ...interface{}) { l.logf(INFO, format, v...) }
func (l *Logger) Warn(format string, v ...interface{}) { l.logf(WARN, format, v...) }
func (l *Logger) Error(format string, v ...interface{}) { l.logf(ERROR, format, v...) }

// package-level shorthands for logger.Info(...) call sites

func Debug(format string, v ...interface{}) { std.logf(DEBUG, format, v...) }
func Info(format string, v ...interface{}) { std.logf(INFO, format, v...) }
func Warn(format string, v ...interface{}) { std.logf(WARN, format, v...) }
func Error(format string, v ...interface{}) { std.logf(ERROR, format, v...) }
