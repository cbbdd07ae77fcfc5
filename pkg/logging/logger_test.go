package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"DEBUG", DebugLevel},
		{"debug", DebugLevel},
		{" warn ", WarnLevel},
		{"WARNING", WarnLevel},
		{"error", ErrorLevel},
		{"", InfoLevel},
		{"verbose", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestJSONLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, WarnLevel)

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept")
	logger.Error("kept")

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Level != "WARN" || entries[1].Level != "ERROR" {
		t.Errorf("levels = %s,%s", entries[0].Level, entries[1].Level)
	}
}

func TestJSONLogger_WithSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	root := NewJSONLogger(&buf, InfoLevel)
	child := root.With(Component("domain"), BaseDN("dc=example,dc=com"))

	root.SetLevel(ErrorLevel)
	child.Info("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("child ignored root level: %s", buf.String())
	}

	child.Error("handshake failed", ServerID(7), Error(errors.New("boom")))
	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	f := entries[0].Fields
	if f["component"] != "domain" || f["base_dn"] != "dc=example,dc=com" {
		t.Errorf("missing inherited fields: %v", f)
	}
	if f["server_id"] != float64(7) || f["error"] != "boom" {
		t.Errorf("missing call fields: %v", f)
	}
}

func TestJSONLogger_CallFieldOverridesPreset(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, DebugLevel).With(Peer("a:1"))
	logger.Debug("x", Peer("b:2"))

	entries := decodeLines(t, &buf)
	if entries[0].Fields["peer"] != "b:2" {
		t.Errorf("peer = %v, want b:2", entries[0].Fields["peer"])
	}
}

type fakeCSN string

func (f fakeCSN) String() string { return string(f) }

func TestFieldHelpers(t *testing.T) {
	if f := CSN(fakeCSN("0001")); f.Key != "csn" || f.Value != "0001" {
		t.Errorf("CSN() = %+v", f)
	}
	if f := Stringer("x", nil); f.Value != nil {
		t.Errorf("Stringer(nil) = %+v", f)
	}
	if f := Error(nil); f.Value != nil {
		t.Errorf("Error(nil) = %+v", f)
	}
	if f := Duration("d", 2*time.Second); f.Value != "2s" {
		t.Errorf("Duration() = %+v", f)
	}
}

func TestJSONLogger_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			child := logger.With(Int("worker", i))
			for j := 0; j < 50; j++ {
				child.Info("tick", Count(j))
			}
		}(i)
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != 400 {
		t.Errorf("got %d lines, want 400", got)
	}
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	StartTimer(logger, "purge", Component("changelog")).End()
	StartTimer(logger, "purge", Component("changelog")).EndError(errors.New("disk"))

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if _, ok := entries[0].Fields["latency"]; !ok {
		t.Error("latency missing")
	}
	if entries[1].Level != "ERROR" || entries[1].Fields["error"] != "disk" {
		t.Errorf("EndError entry = %+v", entries[1])
	}
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Info("nothing")
	if l.With(Component("x")) == nil {
		t.Fatal("With returned nil")
	}
}

func TestOrDefault(t *testing.T) {
	nop := NewNopLogger()
	if OrDefault(nop) != nop {
		t.Error("OrDefault replaced a non-nil logger")
	}
	if OrDefault(nil) == nil {
		t.Error("OrDefault(nil) returned nil")
	}
}

func TestLevelString(t *testing.T) {
	for _, l := range []Level{DebugLevel, InfoLevel, WarnLevel, ErrorLevel} {
		if ParseLevel(l.String()) != l {
			t.Errorf("%v does not parse back", l)
		}
	}
	if got := Level(9).String(); got != "UNKNOWN" {
		t.Errorf("Level(9) = %q", got)
	}
}
