package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for routing decisions.
const (
	OutcomeAssigned   = "assigned"
	OutcomePartial    = "partial"
	OutcomeNoVendor   = "no_eligible_vendor"
	OutcomeNoRule     = "no_matching_rule"
	OutcomeRejected   = "rejected"
	OutcomeOverridden = "overridden"
)

// Metrics holds the routing engine instruments. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	decisions      *prometheus.CounterVec
	skippedRules   prometheus.Counter
	slaBreaches    *prometheus.CounterVec
	slaStates      *prometheus.CounterVec
	policyChanges  *prometheus.CounterVec
	auditFailures  prometheus.Counter
	simulations    prometheus.Counter
	healthReports  *prometheus.CounterVec
	decisionTiming prometheus.Histogram
}

// New registers the routing instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printa_routing_decisions_total",
			Help: "Routing decisions by failover strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		skippedRules: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printa_routing_rules_skipped_total",
			Help: "Rules skipped during evaluation because their criteria could not be parsed.",
		}),
		slaBreaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printa_routing_sla_breaches_total",
			Help: "Decisions that transitioned into the breached state.",
		}, []string{"metric"}),
		slaStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printa_routing_sla_evaluations_total",
			Help: "SLA evaluations by resulting state.",
		}, []string{"state"}),
		policyChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printa_routing_policy_changes_total",
			Help: "Policy changes by action and audit status.",
		}, []string{"action", "status"}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printa_routing_audit_write_failures_total",
			Help: "Policy changes rolled back because the audit entry could not be written.",
		}),
		simulations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printa_routing_simulations_total",
			Help: "Completed routing simulations.",
		}),
		healthReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printa_vendor_health_reports_total",
			Help: "Vendor health readings accepted, by reported health.",
		}, []string{"health"}),
		decisionTiming: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "printa_routing_decision_seconds",
			Help:    "Time spent producing a routing decision.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
	reg.MustRegister(
		m.decisions, m.skippedRules, m.slaBreaches, m.slaStates,
		m.policyChanges, m.auditFailures, m.simulations, m.healthReports, m.decisionTiming,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordDecision(strategy, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(strategy, outcome).Inc()
	if seconds >= 0 {
		m.decisionTiming.Observe(seconds)
	}
}

func (m *Metrics) RecordSkippedRule() {
	if m == nil {
		return
	}
	m.skippedRules.Inc()
}

func (m *Metrics) RecordSlaState(state string) {
	if m == nil {
		return
	}
	m.slaStates.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordSlaBreach(metric string) {
	if m == nil {
		return
	}
	m.slaBreaches.WithLabelValues(metric).Inc()
}

func (m *Metrics) RecordPolicyChange(action, status string) {
	if m == nil {
		return
	}
	m.policyChanges.WithLabelValues(action, status).Inc()
}

func (m *Metrics) RecordAuditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

func (m *Metrics) RecordSimulation() {
	if m == nil {
		return
	}
	m.simulations.Inc()
}

func (m *Metrics) RecordHealthReport(health string) {
	if m == nil {
		return
	}
	m.healthReports.WithLabelValues(health).Inc()
}
