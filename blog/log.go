// Package blog provides the leveled Logger used throughout this
// repository: a small interface every component takes by constructor
// injection, a stdlib-backed production implementation, and a mock for
// assertions in tests.
package blog

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
)

// Logger is the logging contract every component depends on. Audit-level
// calls are for events that must never be silently dropped: equivocation
// detection, delivery proofs, signature verification failures.
type Logger interface {
	Debug(msg string)
	Debugf(format string, args ...interface{})
	Info(msg string)
	Infof(format string, args ...interface{})
	Warning(msg string)
	Warningf(format string, args ...interface{})
	Err(msg string)
	Errf(format string, args ...interface{})
	AuditErr(msg string)
	AuditErrf(format string, args ...interface{})
	AuditObject(msg string, obj interface{})
}

// Level controls which of Debug/Info/Warning lines are emitted. Err and
// Audit-level lines are always emitted regardless of level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

type impl struct {
	mu     sync.Mutex
	level  Level
	std    *log.Logger
	prefix string
}

// New returns a production Logger that writes prefixed, leveled lines to
// os.Stderr via the standard library's log package.
func New(component string, level Level) Logger {
	return &impl{
		level:  level,
		std:    log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
		prefix: component,
	}
}

func (l *impl) logf(level Level, tag, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.std.Printf("[%s] %s %s", l.prefix, tag, fmt.Sprintf(format, args...))
}

func (l *impl) Debug(msg string)                            { l.logf(LevelDebug, "DEBUG", "%s", msg) }
func (l *impl) Debugf(format string, args ...interface{})   { l.logf(LevelDebug, "DEBUG", format, args...) }
func (l *impl) Info(msg string)                              { l.logf(LevelInfo, "INFO", "%s", msg) }
func (l *impl) Infof(format string, args ...interface{})    { l.logf(LevelInfo, "INFO", format, args...) }
func (l *impl) Warning(msg string)                           { l.logf(LevelWarning, "WARN", "%s", msg) }
func (l *impl) Warningf(format string, args ...interface{}) { l.logf(LevelWarning, "WARN", format, args...) }
func (l *impl) Err(msg string)                               { l.logf(LevelError, "ERR", "%s", msg) }
func (l *impl) Errf(format string, args ...interface{})     { l.logf(LevelError, "ERR", format, args...) }

// AuditErr and AuditErrf bypass the level filter: audit lines are always
// written regardless of the configured log level.
func (l *impl) AuditErr(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.std.Printf("[%s] AUDIT %s", l.prefix, msg)
}

func (l *impl) AuditErrf(format string, args ...interface{}) {
	l.AuditErr(fmt.Sprintf(format, args...))
}

// AuditObject marshals obj to JSON and emits it as an audit line. A
// marshaling failure is itself logged at audit level rather than
// silently dropped.
func (l *impl) AuditObject(msg string, obj interface{}) {
	encoded, err := json.Marshal(obj)
	if err != nil {
		l.AuditErrf("failed to marshal audit object for %q: %s", msg, err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.std.Printf("[%s] AUDIT %s JSON=%s", l.prefix, msg, encoded)
}
