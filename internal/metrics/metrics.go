package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the ingestion and
// distribution path. A private registry keeps registration idempotent
// across tests.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested    *prometheus.CounterVec
	MalformedPayloads prometheus.Counter
	StoreErrors       prometheus.Counter
	LiveDropped       prometheus.Counter
	CommandsSent      prometheus.Counter
	DetectDuration    prometheus.Histogram
}

// New creates and registers all gateway metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigia_events_ingested_total",
			Help: "Messages routed, by topic.",
		}, []string{"topic"}),
		MalformedPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigia_malformed_payloads_total",
			Help: "Messages that failed to decode and fell back to a raw record.",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigia_store_errors_total",
			Help: "Persistence writes rejected by the event store.",
		}),
		LiveDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigia_live_dropped_total",
			Help: "Live events dropped for slow subscribers (drop-oldest policy).",
		}),
		CommandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigia_commands_sent_total",
			Help: "Actuator commands accepted for publish.",
		}),
		DetectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vigia_detect_duration_seconds",
			Help:    "Detection backend round-trip time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	m.registry.MustRegister(
		m.EventsIngested,
		m.MalformedPayloads,
		m.StoreErrors,
		m.LiveDropped,
		m.CommandsSent,
		m.DetectDuration,
	)

	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
