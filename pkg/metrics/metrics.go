package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "changelog"

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with every metric family initialized.
// Each registry owns a separate prometheus.Registry so tests never collide.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}

	r.initReplicationMetrics()
	r.initQueueMetrics()
	r.initChangelogMetrics()
	r.initECLMetrics()
	r.initSystemMetrics()

	r.registry.MustRegister(collectors.NewGoCollector())

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// OrDefault returns r, or the process registry when r is nil
func OrDefault(r *Registry) *Registry {
	if r == nil {
		return DefaultRegistry()
	}
	return r
}

// Direction label values
const (
	Received = "received"
	Sent     = "sent"
)

// PeerConnected increments the connected gauge for role ("ds", "rs", "ecl")
func (r *Registry) PeerConnected(role string) {
	r.ConnectedPeers.WithLabelValues(role).Inc()
}

// PeerDisconnected decrements the connected gauge for role
func (r *Registry) PeerDisconnected(role string) {
	r.ConnectedPeers.WithLabelValues(role).Dec()
}

// RecordHandshake counts a handshake outcome for a role
func (r *Registry) RecordHandshake(role, result string) {
	r.HandshakesTotal.WithLabelValues(role, result).Inc()
}

// RecordUpdate counts one update message moving in direction
func (r *Registry) RecordUpdate(direction string, size int) {
	r.UpdatesTotal.WithLabelValues(direction).Inc()
	r.UpdateBytesTotal.WithLabelValues(direction).Add(float64(size))
}

// RecordAppend records a changelog append
func (r *Registry) RecordAppend(status string, duration time.Duration) {
	r.ChangelogAppendsTotal.WithLabelValues(status).Inc()
	r.ChangelogAppendDuration.Observe(duration.Seconds())
}

// RecordPurge counts records removed by the purger
func (r *Registry) RecordPurge(store string, n int) {
	if n <= 0 {
		return
	}
	r.ChangelogPurgedTotal.WithLabelValues(store).Add(float64(n))
}

// SetChangeNumbers publishes the oldest and newest change numbers
func (r *Registry) SetChangeNumbers(first, last int64) {
	r.FirstChangeNumber.Set(float64(first))
	r.LastChangeNumber.Set(float64(last))
}

// SetBacklog publishes the outbound backlog of a domain
func (r *Registry) SetBacklog(baseDN string, n int) {
	r.QueueBacklog.WithLabelValues(baseDN).Set(float64(n))
}

// SetDegraded publishes the number of data servers over the degraded threshold
func (r *Registry) SetDegraded(baseDN string, n int) {
	r.DegradedPeers.WithLabelValues(baseDN).Set(float64(n))
}

// SetGenerationID publishes a domain's generation id (-1 when none)
func (r *Registry) SetGenerationID(baseDN string, id int64) {
	r.DomainGenerationID.WithLabelValues(baseDN).Set(float64(id))
}

// ForgetDomain drops every per-domain series of baseDN
func (r *Registry) ForgetDomain(baseDN string) {
	r.QueueBacklog.DeleteLabelValues(baseDN)
	r.DegradedPeers.DeleteLabelValues(baseDN)
	r.DomainGenerationID.DeleteLabelValues(baseDN)
}

// RecordConfigChange counts an applied configuration change by result code
func (r *Registry) RecordConfigChange(result string) {
	r.ConfigChangesTotal.WithLabelValues(result).Inc()
}

// UpdateSystemMetrics refreshes uptime and goroutine gauges
func (r *Registry) UpdateSystemMetrics() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.UptimeSeconds.Set(time.Since(r.started).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
}
