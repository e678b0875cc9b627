// Package metrics holds the Prometheus collectors of the intake bot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crm_intake"

// Metrics groups every collector. Construct it with New so tests can use a
// private registry.
type Metrics struct {
	// InboundMessages counts inbound turns.
	// Labels: result (processed, duplicate, ignored, error)
	InboundMessages *prometheus.CounterVec

	// OutboundMessages counts replies. Labels: result (sent, failed, skipped)
	OutboundMessages *prometheus.CounterVec

	// OracleRequests counts completion calls.
	// Labels: operation (classify, extract, confirm), result (success, error, timeout)
	OracleRequests *prometheus.CounterVec

	OracleLatency *prometheus.HistogramVec

	// Intents counts classified intents. Labels: intent
	Intents *prometheus.CounterVec

	// Records counts domain record creation. Labels: kind, result (created, failed)
	Records *prometheus.CounterVec

	VersionConflicts prometheus.Counter
	ActiveSessions   prometheus.Gauge

	// Purged counts rows removed by the purge job. Labels: table
	Purged *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		InboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "whatsapp",
			Name:      "inbound_messages_total",
			Help:      "Inbound WhatsApp messages by processing result",
		}, []string{"result"}),
		OutboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "whatsapp",
			Name:      "outbound_messages_total",
			Help:      "Outbound WhatsApp messages by delivery result",
		}, []string{"result"}),
		OracleRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "requests_total",
			Help:      "Completion oracle requests by operation and result",
		}, []string{"operation", "result"}),
		OracleLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "request_duration_seconds",
			Help:      "Completion oracle latency in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16},
		}, []string{"operation"}),
		Intents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "intents_total",
			Help:      "Classified intents",
		}, []string{"intent"}),
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "records_total",
			Help:      "Domain record creation attempts by kind and result",
		}, []string{"kind", "result"}),
		VersionConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "version_conflicts_total",
			Help:      "Session writes rejected by a concurrent update",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions not yet expired, as of the last purge",
		}),
		Purged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "purged_rows_total",
			Help:      "Expired rows removed by the purge job",
		}, []string{"table"}),
	}
}
