// Package metrics registers the prometheus counters exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event ingest outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeStale     = "stale"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

type Metrics struct {
	eventsTotal       *prometheus.CounterVec
	quotaDecisions    *prometheus.CounterVec
	trialDecisions    *prometheus.CounterVec
	rateLimitDrops    *prometheus.CounterVec
	rateLimitFailOpen prometheus.Counter
	sweepRuns         prometheus.Counter
	sweepReplayed     *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		eventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_billing_events_total",
			Help: "Inbound billing events by type and outcome.",
		}, []string{"event_type", "outcome"}),
		quotaDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_quota_decisions_total",
			Help: "Quota check decisions by operation class.",
		}, []string{"operation_class", "decision"}),
		trialDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_trial_decisions_total",
			Help: "Trial allowance decisions by feature.",
		}, []string{"feature_key", "decision"}),
		rateLimitDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_rate_limit_drops_total",
			Help: "Requests dropped by the rate limiter per bucket.",
		}, []string{"bucket"}),
		rateLimitFailOpen: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tally_rate_limit_fail_open_total",
			Help: "Rate limit checks allowed because the backend was unavailable.",
		}),
		sweepRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tally_ledger_sweep_runs_total",
			Help: "Background ledger replay sweeps executed.",
		}),
		sweepReplayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_ledger_sweep_entries_total",
			Help: "Ledger entries touched by the replay sweep, by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) IncEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) IncQuotaDecision(operationClass string, allowed bool) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(operationClass, decision(allowed)).Inc()
}

func (m *Metrics) IncTrialDecision(featureKey string, allowed bool) {
	if m == nil {
		return
	}
	m.trialDecisions.WithLabelValues(featureKey, decision(allowed)).Inc()
}

func (m *Metrics) IncRateLimitDrop(bucket string) {
	if m == nil {
		return
	}
	m.rateLimitDrops.WithLabelValues(bucket).Inc()
}

func (m *Metrics) IncRateLimitFailOpen() {
	if m == nil {
		return
	}
	m.rateLimitFailOpen.Inc()
}

func (m *Metrics) IncSweepRun() {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
}

func (m *Metrics) IncSweepEntry(outcome string) {
	if m == nil {
		return
	}
	m.sweepReplayed.WithLabelValues(outcome).Inc()
}

func decision(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
