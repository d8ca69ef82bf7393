// Package metrics exposes Prometheus instrumentation for the closure engine:
//
//   - closer_fills_applied_total{event}     – fill events applied to the ledger
//   - closer_unknown_fills_total            – fills not matching any known order
//   - closer_escalations_total{dte}         – DTE escalation replacements submitted
//   - closer_submission_failures_total      – broker order submissions that errored
//   - closer_clamp_corrections_total        – ladder prices raised by the floor clamp
//   - closer_reconcile_repairs_total        – ledger fields repaired by reconciliation
//   - closer_open_positions                 – open (non-closed) positions (gauge)
//
// All collectors are registered on the default registry and served by the
// dashboard at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	FillsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closer_fills_applied_total",
			Help: "Fill events applied to the ledger",
		},
		[]string{"event"}, // profit_target_fill | dte_closure
	)

	UnknownFills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "closer_unknown_fills_total",
			Help: "Fill events that matched no tracked order",
		},
	)

	Escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closer_escalations_total",
			Help: "DTE escalation order replacements submitted",
		},
		[]string{"dte"},
	)

	SubmissionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "closer_submission_failures_total",
			Help: "Broker order submissions that returned an error",
		},
	)

	ClampCorrections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "closer_clamp_corrections_total",
			Help: "Ladder prices raised to the cancelled-target floor",
		},
	)

	ReconcileRepairs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "closer_reconcile_repairs_total",
			Help: "Ledger fields repaired from broker transaction history",
		},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "closer_open_positions",
			Help: "Positions not yet closed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		FillsApplied,
		UnknownFills,
		Escalations,
		SubmissionFailures,
		ClampCorrections,
		ReconcileRepairs,
		OpenPositions,
	)
}
