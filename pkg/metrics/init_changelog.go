package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initChangelogMetrics() {
	r.ChangelogAppendsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_appends_total",
			Help:      "Changelog appends by status",
		},
		[]string{"status"}, // stored, duplicate, error
	)

	r.ChangelogAppendDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_append_duration_seconds",
			Help:      "Latency of changelog appends",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	r.ChangelogPurgedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_purged_records_total",
			Help:      "Records removed by the changelog purger",
		},
		[]string{"store"}, // domain, cn_index
	)

	r.FirstChangeNumber = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "first_change_number",
			Help:      "Oldest change number in the change number index",
		},
	)

	r.LastChangeNumber = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_change_number",
			Help:      "Newest change number in the change number index",
		},
	)

	r.DomainGenerationID = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "domain_generation_id",
			Help:      "Generation id of each replication domain, -1 when none is set",
		},
		[]string{"base_dn"},
	)
}

func (r *Registry) initECLMetrics() {
	r.ECLSessions = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ecl_sessions",
			Help:      "Open external changelog sessions",
		},
	)

	r.ECLUpdatesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ecl_updates_total",
			Help:      "Changes delivered to external changelog consumers",
		},
	)

	r.ECLDoneTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ecl_done_total",
			Help:      "Exhausted external changelog search phases",
		},
	)
}

func (r *Registry) initSystemMetrics() {
	r.UptimeSeconds = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the registry was created in seconds",
		},
	)

	r.GoRoutines = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Number of goroutines",
		},
	)
}
