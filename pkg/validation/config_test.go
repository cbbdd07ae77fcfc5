package validation

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestConfigValidator_CollectsAllErrors(t *testing.T) {
	cv := NewConfigValidator("ServerConfig").
		Required("ListenAddr", "").
		RangeInt("ServerID", 0, 1, 65535).
		Positive("QueueSize", -1).
		MinDuration("ConnectInterval", time.Millisecond, 10*time.Millisecond).
		OneOf("DBImplementation", "leveldb", "file", "memory")

	if got := len(cv.Errors()); got != 5 {
		t.Fatalf("got %d errors, want 5: %v", got, cv.Messages())
	}
	err := cv.Validate()
	if err == nil || !strings.Contains(err.Error(), "ServerConfig.ServerID") {
		t.Errorf("Validate() = %v", err)
	}
}

func TestConfigValidator_Valid(t *testing.T) {
	err := NewConfigValidator("c").
		Required("a", "x").
		RangeInt("b", 5, 1, 10).
		HostPort("addr", ":8989").
		NonNegativeDuration("d", 0).
		Validate()
	if err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestConfigValidator_WhenAndCustom(t *testing.T) {
	sentinel := errors.New("nope")
	cv := NewConfigValidator("c").
		When(false, func(cv *ConfigValidator) { cv.Required("skipped", "") }).
		When(true, func(cv *ConfigValidator) {
			cv.Custom("dir", func() error { return sentinel })
		})
	if len(cv.Errors()) != 1 {
		t.Fatalf("errors = %v", cv.Messages())
	}
	if !errors.Is(cv.Validate(), sentinel) {
		t.Error("Custom error not wrapped")
	}
}

func TestHostPort(t *testing.T) {
	tests := []struct {
		addr string
		ok   bool
	}{
		{"localhost:8989", true},
		{":0", true},
		{"[::1]:9000", true},
		{"localhost", false},
		{"host:99999", false},
		{"host:abc", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			err := NewConfigValidator("c").HostPort("addr", tt.addr).Validate()
			if (err == nil) != tt.ok {
				t.Errorf("HostPort(%q) err = %v, want ok=%v", tt.addr, err, tt.ok)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	if DefaultOr("", "file") != "file" || DefaultOr("memory", "file") != "memory" {
		t.Error("DefaultOr")
	}
	if DefaultOrInt(0, 10000) != 10000 || DefaultOrInt(5, 10000) != 5 {
		t.Error("DefaultOrInt")
	}
	if DefaultOrDuration(-1, time.Second) != time.Second {
		t.Error("DefaultOrDuration")
	}
}
