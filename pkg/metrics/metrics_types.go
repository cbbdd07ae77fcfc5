package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics exported by a replication server process
type Registry struct {
	// Replication sessions
	ConnectedPeers          *prometheus.GaugeVec
	HandshakesTotal         *prometheus.CounterVec
	UpdatesTotal            *prometheus.CounterVec
	UpdateBytesTotal        *prometheus.CounterVec
	DuplicateUpdatesTotal   prometheus.Counter
	HeartbeatsTotal         *prometheus.CounterVec
	ProtocolViolationsTotal prometheus.Counter
	ReconnectPassesTotal    prometheus.Counter
	OutboundConnectsTotal   *prometheus.CounterVec

	// Outbound queues
	QueueBacklog        *prometheus.GaugeVec
	QueueAnomaliesTotal prometheus.Counter
	QueueConsumeMisses  prometheus.Counter
	DegradedPeers       *prometheus.GaugeVec

	// Changelog store
	ChangelogAppendsTotal   *prometheus.CounterVec
	ChangelogAppendDuration prometheus.Histogram
	ChangelogPurgedTotal    *prometheus.CounterVec
	FirstChangeNumber       prometheus.Gauge
	LastChangeNumber        prometheus.Gauge
	DomainGenerationID      *prometheus.GaugeVec

	// External changelog
	ECLSessions     prometheus.Gauge
	ECLUpdatesTotal prometheus.Counter
	ECLDoneTotal    prometheus.Counter

	// Configuration
	ConfigChangesTotal *prometheus.CounterVec

	// System
	UptimeSeconds prometheus.Gauge
	GoRoutines    prometheus.Gauge

	registry *prometheus.Registry
	started  time.Time
	mu       sync.Mutex
}
