package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initReplicationMetrics() {
	r.ConnectedPeers = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Number of connected peers by role",
		},
		[]string{"role"}, // ds, rs, ecl
	)

	r.HandshakesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshakes by peer role and reply code",
		},
		[]string{"role", "result"},
	)

	r.UpdatesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Update messages received from or sent to peers",
		},
		[]string{"direction"}, // received, sent
	)

	r.UpdateBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_bytes_total",
			Help:      "Serialized size of update messages received or sent",
		},
		[]string{"direction"},
	)

	r.DuplicateUpdatesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_updates_total",
			Help:      "Updates received for a CSN already stored",
		},
	)

	r.HeartbeatsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats exchanged with peers",
		},
		[]string{"direction"},
	)

	r.ProtocolViolationsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Sessions closed because of an unexpected message",
		},
	)

	r.ReconnectPassesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_passes_total",
			Help:      "Completed passes of the replication server connect loop",
		},
	)

	r.OutboundConnectsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_connects_total",
			Help:      "Outbound connection attempts to peer replication servers",
		},
		[]string{"result"}, // success, error
	)

	r.ConfigChangesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_changes_total",
			Help:      "Applied configuration changes by result",
		},
		[]string{"result"},
	)
}

func (r *Registry) initQueueMetrics() {
	r.QueueBacklog = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_backlog",
			Help:      "Updates waiting in outbound peer queues",
		},
		[]string{"base_dn"},
	)

	r.QueueAnomaliesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_anomalies_total",
			Help:      "Queued messages replaced by a different message with the same CSN",
		},
	)

	r.QueueConsumeMisses = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_consume_misses_total",
			Help:      "ConsumeUpTo calls whose target was not queued",
		},
	)

	r.DegradedPeers = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded_peers",
			Help:      "Data servers whose backlog exceeds the degraded status threshold",
		},
		[]string{"base_dn"},
	)
}
