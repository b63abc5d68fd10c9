// Package metrics provides Prometheus metrics for the appointment ledger.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MutationsTotal counts engine mutations by operation and outcome code
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Subsystem: "engine",
			Name:      "mutations_total",
			Help:      "Total number of mutation attempts by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	// MutationDuration tracks how long a mutation takes end to end
	MutationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledger",
			Subsystem: "engine",
			Name:      "mutation_duration_seconds",
			Help:      "Duration of mutations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"op"},
	)

	// IdempotencyReplays counts results served from the idempotency ledger
	IdempotencyReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Subsystem: "idempotency",
			Name:      "replays_total",
			Help:      "Total number of mutations answered from a stored result",
		},
		[]string{"op"},
	)

	// IdempotencyPurged counts expired ledger rows removed by the worker
	IdempotencyPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Subsystem: "idempotency",
			Name:      "purged_total",
			Help:      "Total number of expired idempotency records purged",
		},
	)

	// ReconcileItemsTotal counts offline queue items by classification
	ReconcileItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Subsystem: "reconcile",
			Name:      "items_total",
			Help:      "Total number of offline queue items reconciled by outcome",
		},
		[]string{"outcome"},
	)

	// ReconcilePassesTotal counts reconcile passes by result
	ReconcilePassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Total number of reconcile passes by result",
		},
		[]string{"result"},
	)

	// SystemMode is 0 online, 1 degraded, 2 unsafe
	SystemMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ledger",
			Subsystem: "mode",
			Name:      "current",
			Help:      "Current system mode (0 online, 1 degraded, 2 unsafe)",
		},
	)

	// CheckStatus is 0 online, 1 degraded, 2 failed per named health check
	CheckStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ledger",
			Subsystem: "mode",
			Name:      "check_status",
			Help:      "Status of each health check (0 online, 1 degraded, 2 failed)",
		},
		[]string{"check"},
	)

	// RelayEventsPublished counts events handed to Kafka by status
	RelayEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Subsystem: "relay",
			Name:      "events_published_total",
			Help:      "Total number of events published to Kafka",
		},
		[]string{"status"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
