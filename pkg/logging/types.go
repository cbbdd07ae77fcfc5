package logging

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// Level orders log severities; a logger drops entries below its level.
type Level int32

const (
	// DebugLevel traces individual replication messages.
	DebugLevel Level = iota
	// InfoLevel reports lifecycle events. It is the default.
	InfoLevel
	// WarnLevel reports repaired inconsistencies and dropped peers.
	WarnLevel
	// ErrorLevel reports failures that need an operator.
	ErrorLevel
)

var levelNames = [...]string{
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
}

func (l Level) String() string {
	if l < DebugLevel || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel reads a level name case-insensitively. "WARNING" is accepted;
// anything unrecognized yields InfoLevel.
func ParseLevel(s string) Level {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "WARNING" {
		return WarnLevel
	}
	for l, name := range levelNames {
		if name == s {
			return Level(l)
		}
	}
	return InfoLevel
}

// Field is one structured key/value of an entry.
type Field struct {
	Key   string
	Value any
}

// Logger is what every component of the server logs through.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// With returns a child that adds fields to every entry.
	With(fields ...Field) Logger
	SetLevel(level Level)
	GetLevel() Level
}

// JSONLogger writes one JSON object per line. Child loggers created with
// With share the parent's writer lock and level.
type JSONLogger struct {
	out    *syncWriter
	level  *atomic.Int32
	fields []Field
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// LogEntry is the line format of JSONLogger.
type LogEntry struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// NopLogger discards everything.
type NopLogger struct{}

func NewNopLogger() Logger { return NopLogger{} }

func (NopLogger) Debug(string, ...Field) {}
func (NopLogger) Info(string, ...Field)  {}
func (NopLogger) Warn(string, ...Field)  {}
func (NopLogger) Error(string, ...Field) {}
func (n NopLogger) With(...Field) Logger { return n }
func (NopLogger) SetLevel(Level)         {}
func (NopLogger) GetLevel() Level        { return ErrorLevel }
