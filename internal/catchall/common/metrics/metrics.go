// Package metrics has prometheus metric variables/functions for the catch-all relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRewrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catchall_rewrites_total",
			Help: "Recipient phase outcomes for recipients matching a catch-all rule.",
		},
		[]string{
			"result", // rewritten, known, blocked, rejected, replayed, error
		},
	)
	metricBlocklistChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catchall_blocklist_checks_total",
			Help: "Blocklist checks and their outcome.",
		},
		[]string{
			"result", // blocked, allowed, unconfigured, error
		},
	)
	metricReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catchall_reloads_total",
			Help: "Rule file reloads.",
		},
		[]string{
			"result", // ok, empty, error, coalesced
		},
	)
	metricAuditWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catchall_audit_writes_total",
			Help: "Audit record writes.",
		},
		[]string{
			"result", // ok, error, unconfigured
		},
	)
	metricTrackerEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catchall_tracker_evictions_total",
			Help: "Correlation entries evicted by size or age before finalization.",
		},
	)
	metricRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catchall_rules",
			Help: "Number of rules in the active rule set.",
		},
	)
)

func RewriteInc(result string) {
	metricRewrites.WithLabelValues(result).Inc()
}

func BlocklistCheckInc(result string) {
	metricBlocklistChecks.WithLabelValues(result).Inc()
}

func ReloadInc(result string) {
	metricReloads.WithLabelValues(result).Inc()
}

func AuditWriteInc(result string) {
	metricAuditWrites.WithLabelValues(result).Inc()
}

func TrackerEvictionInc() {
	metricTrackerEvictions.Inc()
}

func RulesSet(n int) {
	metricRules.Set(float64(n))
}
