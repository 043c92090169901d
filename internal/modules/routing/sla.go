package routing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/georgemunganga/printa-routing/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertSink receives decisions that have just entered the breached state.
type AlertSink interface {
	SlaBreached(ctx context.Context, decision *RoutingDecision, target SlaTargetState)
}

// LogAlertSink writes breaches to the structured log.
type LogAlertSink struct{ Log *zap.Logger }

func (s LogAlertSink) SlaBreached(_ context.Context, d *RoutingDecision, target SlaTargetState) {
	fields := []zap.Field{
		zap.String("decision_id", d.ID.String()),
		zap.String("order_id", d.OrderID.String()),
		zap.String("metric", target.Metric),
		zap.Float64("elapsed_minutes", target.ElapsedMinutes),
		zap.Float64("threshold_minutes", target.ThresholdMinutes),
	}
	if d.VendorID != nil {
		fields = append(fields, zap.String("vendor_id", d.VendorID.String()))
	}
	s.Log.Warn("routing SLA breached", fields...)
}

// toMinutes converts a target value in the given unit to minutes.
func toMinutes(value float64, unit string) float64 {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "s", "sec", "second", "seconds":
		return value / 60
	case "h", "hr", "hour", "hours":
		return value * 60
	default:
		return value
	}
}

// EvaluateSla computes the SLA standing of a decision at now. It has no side
// effects. Targets with an unknown metric or no usable threshold are ignored;
// when nothing applies the state is unknown.
func EvaluateSla(d *RoutingDecision, policy *RoutingPolicy, targets []SlaTarget, now time.Time) SlaReport {
	report := SlaReport{DecisionID: d.ID, State: SlaUnknown, EvaluatedAt: now}

	if policy != nil {
		var hasFulfillment, hasLag bool
		for _, t := range targets {
			switch t.Metric {
			case MetricFulfillmentTime:
				hasFulfillment = true
			case MetricAcknowledgementLag:
				hasLag = true
			}
		}
		// Policy-level minutes act as implicit targets for metrics without one.
		implicit := append([]SlaTarget(nil), targets...)
		if !hasFulfillment && policy.SlaMinutes > 0 {
			implicit = append(implicit, SlaTarget{Metric: MetricFulfillmentTime, Unit: "minutes"})
		}
		if !hasLag && policy.MaxLagMinutes > 0 {
			implicit = append(implicit, SlaTarget{Metric: MetricAcknowledgementLag, Unit: "minutes"})
		}
		targets = implicit
	}

	for _, t := range targets {
		state, ok := evaluateTarget(d, policy, t, now)
		if !ok {
			continue
		}
		report.Targets = append(report.Targets, state)
		if state.State.severity() > report.State.severity() {
			report.State = state.State
		}
	}
	return report
}

func evaluateTarget(d *RoutingDecision, policy *RoutingPolicy, t SlaTarget, now time.Time) (SlaTargetState, bool) {
	threshold := toMinutes(t.Threshold, t.Unit)
	warning := toMinutes(t.WarningThreshold, t.Unit)

	var elapsed time.Duration
	switch t.Metric {
	case MetricFulfillmentTime:
		if threshold <= 0 && policy != nil {
			threshold = float64(policy.SlaMinutes)
		}
		elapsed = now.Sub(d.SlaStart())
	case MetricAcknowledgementLag:
		if threshold <= 0 && policy != nil {
			threshold = float64(policy.MaxLagMinutes)
		}
		end := now
		if d.AcknowledgedAt != nil {
			end = *d.AcknowledgedAt
		}
		elapsed = end.Sub(d.SlaStart())
	default:
		return SlaTargetState{}, false
	}
	if threshold <= 0 {
		return SlaTargetState{}, false
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if warning >= threshold {
		warning = 0
	}

	minutes := elapsed.Minutes()
	state := SlaTargetState{
		Metric:           t.Metric,
		State:            SlaOnTrack,
		ElapsedMinutes:   minutes,
		ThresholdMinutes: threshold,
		WarningMinutes:   warning,
	}
	switch {
	case minutes >= threshold:
		state.State = SlaBreached
	case warning > 0 && minutes >= warning:
		state.State = SlaWarning
	}
	return state, true
}

// defaultBreachRetention bounds how long breach bookkeeping is kept for a
// decision that is no longer being evaluated.
const defaultBreachRetention = 24 * time.Hour

type breachRecord struct {
	metrics  map[string]bool
	lastSeen time.Time
}

// SlaMonitor evaluates decisions and emits one alert per decision and metric
// when it first enters the breached state. Records of decisions not evaluated
// within the retention window are evicted.
type SlaMonitor struct {
	sink      AlertSink
	metrics   *metrics.Metrics
	retention time.Duration

	mu        sync.Mutex
	breached  map[uuid.UUID]*breachRecord
	nextSweep time.Time
}

func NewSlaMonitor(sink AlertSink, m *metrics.Metrics) *SlaMonitor {
	return &SlaMonitor{
		sink:      sink,
		metrics:   m,
		retention: defaultBreachRetention,
		breached:  make(map[uuid.UUID]*breachRecord),
	}
}

func (m *SlaMonitor) Evaluate(ctx context.Context, d *RoutingDecision, policy *RoutingPolicy, targets []SlaTarget, now time.Time) SlaReport {
	report := EvaluateSla(d, policy, targets, now)
	m.metrics.RecordSlaState(string(report.State))

	var fresh []SlaTargetState
	m.mu.Lock()
	m.sweep(now)
	rec := m.breached[d.ID]
	if rec != nil && now.After(rec.lastSeen) {
		rec.lastSeen = now
	}
	for _, t := range report.Targets {
		if t.State != SlaBreached {
			continue
		}
		if rec == nil {
			rec = &breachRecord{metrics: make(map[string]bool), lastSeen: now}
			m.breached[d.ID] = rec
		}
		if !rec.metrics[t.Metric] {
			rec.metrics[t.Metric] = true
			fresh = append(fresh, t)
		}
	}
	m.mu.Unlock()

	for _, t := range fresh {
		m.metrics.RecordSlaBreach(t.Metric)
		if m.sink != nil {
			m.sink.SlaBreached(ctx, d, t)
		}
	}
	return report
}

// sweep drops records idle for longer than the retention window. It runs at
// most once per quarter window. Callers hold m.mu.
func (m *SlaMonitor) sweep(now time.Time) {
	if m.retention <= 0 || now.Before(m.nextSweep) {
		return
	}
	for id, rec := range m.breached {
		if now.Sub(rec.lastSeen) > m.retention {
			delete(m.breached, id)
		}
	}
	m.nextSweep = now.Add(m.retention / 4)
}

// Forget drops breach bookkeeping for a decision that is no longer live.
func (m *SlaMonitor) Forget(decisionID uuid.UUID) {
	m.mu.Lock()
	delete(m.breached, decisionID)
	m.mu.Unlock()
}
