package blog

import (
	"fmt"
	"sync"
)

// LogLine is one line captured by a Mock logger.
type LogLine struct {
	Tag string
	Msg string
}

// Mock is a Logger that records every line instead of writing it
// anywhere, for use in tests that want to assert on what was logged.
type Mock struct {
	mu    sync.Mutex
	lines []LogLine
}

// NewMock returns a Logger backed by an in-memory buffer.
func NewMock() *Mock {
	return &Mock{}
}

// GetAll returns a copy of every line recorded so far.
func (m *Mock) GetAll() []LogLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogLine, len(m.lines))
	copy(out, m.lines)
	return out
}

// GetAllMatching returns the recorded lines whose tag equals tag.
func (m *Mock) GetAllMatching(tag string) []LogLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LogLine
	for _, l := range m.lines {
		if l.Tag == tag {
			out = append(out, l)
		}
	}
	return out
}

// Clear discards every recorded line.
func (m *Mock) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = nil
}

func (m *Mock) record(tag, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, LogLine{Tag: tag, Msg: msg})
}

func (m *Mock) Debug(msg string)   { m.record("DEBUG", msg) }
func (m *Mock) Info(msg string)    { m.record("INFO", msg) }
func (m *Mock) Warning(msg string) { m.record("WARN", msg) }
func (m *Mock) Err(msg string)     { m.record("ERR", msg) }
func (m *Mock) AuditErr(msg string) { m.record("AUDIT", msg) }

func (m *Mock) Debugf(format string, args ...interface{})   { m.record("DEBUG", fmt.Sprintf(format, args...)) }
func (m *Mock) Infof(format string, args ...interface{})    { m.record("INFO", fmt.Sprintf(format, args...)) }
func (m *Mock) Warningf(format string, args ...interface{}) { m.record("WARN", fmt.Sprintf(format, args...)) }
func (m *Mock) Errf(format string, args ...interface{})     { m.record("ERR", fmt.Sprintf(format, args...)) }
func (m *Mock) AuditErrf(format string, args ...interface{}) {
	m.record("AUDIT", fmt.Sprintf(format, args...))
}

func (m *Mock) AuditObject(msg string, obj interface{}) {
	m.record("AUDIT", fmt.Sprintf("%s %+v", msg, obj))
}
