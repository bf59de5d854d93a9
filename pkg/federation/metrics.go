package federation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks engine-wide metrics
type Metrics struct {
	// Session metrics
	SessionsByStatus   *prometheus.GaugeVec
	ConnectionAttempts prometheus.Counter
	ConnectionFailures prometheus.Counter
	SessionReconnects  prometheus.Counter

	// Reconciliation metrics
	DeliveriesTotal  *prometheus.CounterVec
	ItemsImported    prometheus.Counter
	ItemsEvicted     prometheus.Counter
	ItemsSkipped     prometheus.Counter
	ItemFailures     prometheus.Counter
	ReconcileLatency prometheus.Histogram

	// Index metrics
	IndexEntriesTotal prometheus.Gauge
	IndexWriteDenials prometheus.Counter

	// Bus metrics
	UpdatesPublished prometheus.Counter
	UpdatesDropped   prometheus.Counter

	// Graph metrics
	FollowEdges prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		// Session metrics
		SessionsByStatus: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "syndicate",
			Name:      "federation_sessions",
			Help:      "Number of edge sessions by status",
		}, []string{"status"}),
		ConnectionAttempts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: "syndicate",
			Name:      "federation_connection_attempts_total",
			Help:      "Total number of transport connection attempts",
		}),
		ConnectionFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: "syndicate",
			Name:      "federation_connection_failures_total",
			Help:      "Total number of transport connection failures",
		}),
		SessionReconnects: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: "syndicate",
			Name:      "federation_session_reconnects_total",
			Help:      "Total number of session reconnect cycles",
		}),

		// Reconciliation metrics
		DeliveriesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: "syndicate",
			Name:      "federation_deliveries_total",
			Help:      "Total number of deliveries processed per transport",
		}, []string{"transport"}),
		ItemsImported: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: "syndicate",
			Name:      "federation_items_imported_total",
			Help:      "Total number of content items imported",
		}),
		ItemsEvicted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: "syndicate",
			Name:      "federation_items_evicted_total",
			Help:      "Total number of content items evicted",
		}),
		ItemsSkipped: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: "syndicate",
			Name:      "federation_items_skipped_total",
			Help:      "Total number of delivered items skipped by reconciliation rules",
		}),
		ItemFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: "syndicate",
			Name:      "federation_item_failures_total",
			Help:      "Total number of items that failed to reconcile",
		}),
		ReconcileLatency: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Namespace: "syndicate",
			Name:      "federation_reconcile_latency_seconds",
			Help:      "Latency of reconciling one delivery",
			Buckets:   prometheus.DefBuckets,
		}),

		// Index metrics
		IndexEntriesTotal: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Namespace: "syndicate",
			Name:      "federation_index_entries",
			Help:      "Number of entries in the federation index",
		}),
		IndexWriteDenials: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: "syndicate",
			Name:      "federation_index_write_denials_total",
			Help:      "Total number of index writes denied by policy",
		}),

		// Bus metrics
		UpdatesPublished: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: "syndicate",
			Name:      "federation_updates_published_total",
			Help:      "Total number of updates announced on the bus",
		}),
		UpdatesDropped: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: "syndicate",
			Name:      "federation_updates_dropped_total",
			Help:      "Total number of updates dropped for lack of subscribers",
		}),

		// Graph metrics
		FollowEdges: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Namespace: "syndicate",
			Name:      "federation_follow_edges",
			Help:      "Number of follow edges",
		}),
	}

	return m
}

// NopMetrics returns metrics bound to a throwaway registry, for components
// constructed without one.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
