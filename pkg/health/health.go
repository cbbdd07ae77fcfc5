// Package health aggregates component checks for the admin endpoints of
// a replication server.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status is the health of one component or of the whole server.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Kind selects the set a check belongs to.
type Kind int

const (
	// KindHealth checks report the overall state. A degraded server is
	// still served with 200.
	KindHealth Kind = iota
	// KindReadiness checks gate traffic to the server.
	KindReadiness
	// KindLiveness checks gate restarts of the process.
	KindLiveness
	numKinds
)

// Check is the result of one component check.
type Check struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ms"`
}

// CheckFunc performs a health check.
type CheckFunc func() Check

// Response aggregates the checks of one kind. The worst status wins.
type Response struct {
	Status    Status           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Uptime    time.Duration    `json:"uptime_seconds"`
}

// HealthChecker holds the registered checks of every kind.
type HealthChecker struct {
	mu      sync.RWMutex
	sets    [numKinds]map[string]CheckFunc
	started time.Time
}

func NewHealthChecker() *HealthChecker {
	hc := &HealthChecker{started: time.Now()}
	for i := range hc.sets {
		hc.sets[i] = make(map[string]CheckFunc)
	}
	return hc
}

// Register adds check under name to the set of kind, replacing a check
// of the same name.
func (hc *HealthChecker) Register(kind Kind, name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.sets[kind][name] = check
}

// Run performs the checks of kind.
func (hc *HealthChecker) Run(kind Kind) Response {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	set := hc.sets[kind]
	response := Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]Check, len(set)),
		Uptime:    time.Since(hc.started),
	}
	for name, fn := range set {
		start := time.Now()
		check := fn()
		check.Duration = time.Since(start)
		check.LastChecked = start
		if check.Name == "" {
			check.Name = name
		}
		response.Checks[name] = check
		response.Status = worst(response.Status, check.Status)
	}
	return response
}

func worst(a, b Status) Status {
	switch {
	case a == StatusUnhealthy || b == StatusUnhealthy:
		return StatusUnhealthy
	case a == StatusDegraded || b == StatusDegraded:
		return StatusDegraded
	}
	return StatusHealthy
}

// Handler serves the checks of kind as JSON. Readiness and liveness answer
// 503 unless every check is healthy.
func (hc *HealthChecker) Handler(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := hc.Run(kind)
		ok := response.Status == StatusHealthy
		if kind == KindHealth {
			ok = response.Status != StatusUnhealthy
		}

		w.Header().Set("Content-Type", "application/json")
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(response)
	}
}
