// Package metrics holds the Prometheus collectors of the migration engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MutationsTotal counts processed mutations by outcome.
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eboekhouden",
			Subsystem: "migration",
			Name:      "mutations_total",
			Help:      "Total number of processed mutations by transaction type and outcome",
		},
		[]string{"transaction_type", "outcome"},
	)

	// SkipsTotal counts skipped mutations by reason.
	SkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eboekhouden",
			Subsystem: "migration",
			Name:      "skips_total",
			Help:      "Total number of skipped mutations by reason",
		},
		[]string{"reason"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eboekhouden",
			Subsystem: "migration",
			Name:      "runs_total",
			Help:      "Total number of migration runs by final status",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "eboekhouden",
			Subsystem: "migration",
			Name:      "run_duration_seconds",
			Help:      "Duration of migration runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"mode", "dry_run"},
	)

	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "eboekhouden",
			Subsystem: "migration",
			Name:      "runs_in_flight",
			Help:      "Number of migration runs currently executing",
		},
	)

	// APIRequestsTotal tracks calls to the E-Boekhouden APIs.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eboekhouden",
			Subsystem: "api_client",
			Name:      "requests_total",
			Help:      "Total number of outbound E-Boekhouden API calls",
		},
		[]string{"client", "operation", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "eboekhouden",
			Subsystem: "api_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound E-Boekhouden API calls in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"client", "operation"},
	)

	APIRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eboekhouden",
			Subsystem: "api_client",
			Name:      "retries_total",
			Help:      "Total number of retried E-Boekhouden API calls",
		},
		[]string{"client", "kind"},
	)

	// SuspenseBalance is the absolute balance left on the suspense account after a run.
	SuspenseBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "eboekhouden",
			Subsystem: "audit",
			Name:      "suspense_balance",
			Help:      "Balance of the E-Boekhouden suspense account per business",
		},
		[]string{"business_id"},
	)

	ReconciliationDiscrepancies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eboekhouden",
			Subsystem: "audit",
			Name:      "reconciliation_discrepancies_total",
			Help:      "Total number of flagged reconciliation discrepancies by transaction type",
		},
		[]string{"transaction_type"},
	)
)
