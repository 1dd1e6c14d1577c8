// Package services – pipeline metrics.
//
// Counters for the orchestration pipeline. Tests and dashboards observe these
// instead of console output.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// completions counts backend completion calls by result.
	completions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_completions_total",
			Help: "Completion backend calls by result.",
		},
		[]string{"result"}, // ok | error
	)

	// dedupHits counts duplicate webhook deliveries by how they resolved.
	dedupHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dedup_hits_total",
			Help: "Duplicate inbound deliveries by resolution.",
		},
		[]string{"kind"}, // inflight | reuse | resumed
	)

	// moderationDenials counts replies rejected by the moderation gate,
	// including gate errors (fail closed).
	moderationDenials = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_moderation_denials_total",
			Help: "Generated replies withheld by the moderation gate.",
		},
	)

	// deliveries counts outbound push attempts of the primary text by result.
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Primary outbound delivery attempts by result.",
		},
		[]string{"result"}, // ok | failed
	)
)

func init() {
	prometheus.MustRegister(completions, dedupHits, moderationDenials, deliveries)
}
