package routing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var slaStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func assignedDecision() *RoutingDecision {
	vendor := uuid.New()
	return &RoutingDecision{
		ID:        uuid.New(),
		OrderID:   uuid.New(),
		VendorID:  &vendor,
		Status:    DecisionAssigned,
		DecidedAt: slaStart,
	}
}

func TestEvaluateSla_FulfillmentWindow(t *testing.T) {
	d := assignedDecision()
	policy := &RoutingPolicy{SlaMinutes: 60}
	targets := []SlaTarget{{Metric: MetricFulfillmentTime, WarningThreshold: 45, Unit: "minutes"}}

	tests := []struct {
		after time.Duration
		want  SlaState
	}{
		{0, SlaOnTrack},
		{30 * time.Minute, SlaOnTrack},
		{45 * time.Minute, SlaWarning},
		{50 * time.Minute, SlaWarning},
		{60 * time.Minute, SlaBreached},
		{61 * time.Minute, SlaBreached},
	}
	for _, tt := range tests {
		report := EvaluateSla(d, policy, targets, slaStart.Add(tt.after))
		assert.Equal(t, tt.want, report.State, "after %s", tt.after)
		require.Len(t, report.Targets, 1)
		assert.Equal(t, 60.0, report.Targets[0].ThresholdMinutes)
	}
}

func TestEvaluateSla_PolicyMinutesAreImplicitTarget(t *testing.T) {
	d := assignedDecision()
	report := EvaluateSla(d, &RoutingPolicy{SlaMinutes: 60}, nil, slaStart.Add(61*time.Minute))
	assert.Equal(t, SlaBreached, report.State)
	require.Len(t, report.Targets, 1)
	assert.Equal(t, MetricFulfillmentTime, report.Targets[0].Metric)
	assert.InDelta(t, 61.0, report.Targets[0].ElapsedMinutes, 1e-9)
}

func TestEvaluateSla_LagMinutesAreImplicitTarget(t *testing.T) {
	d := assignedDecision()
	report := EvaluateSla(d, &RoutingPolicy{MaxLagMinutes: 30}, nil, slaStart.Add(2*time.Hour))
	assert.Equal(t, SlaBreached, report.State)
	require.Len(t, report.Targets, 1)
	assert.Equal(t, MetricAcknowledgementLag, report.Targets[0].Metric)
	assert.Equal(t, 30.0, report.Targets[0].ThresholdMinutes)

	acked := slaStart.Add(10 * time.Minute)
	d.AcknowledgedAt = &acked
	report = EvaluateSla(d, &RoutingPolicy{SlaMinutes: 60, MaxLagMinutes: 30}, nil, slaStart.Add(20*time.Minute))
	assert.Equal(t, SlaOnTrack, report.State)
	assert.Len(t, report.Targets, 2)

	// An explicit lag target replaces the implicit one.
	targets := []SlaTarget{{Metric: MetricAcknowledgementLag, Threshold: 5, Unit: "minutes"}}
	report = EvaluateSla(d, &RoutingPolicy{MaxLagMinutes: 30}, targets, slaStart.Add(20*time.Minute))
	require.Len(t, report.Targets, 1)
	assert.Equal(t, 5.0, report.Targets[0].ThresholdMinutes)
	assert.Equal(t, SlaBreached, report.State)
}

func TestEvaluateSla_MeasuresFromSlaStart(t *testing.T) {
	d := assignedDecision()
	d.DecidedAt = slaStart.Add(90 * time.Minute)
	start := slaStart
	d.SlaStartedAt = &start

	report := EvaluateSla(d, &RoutingPolicy{SlaMinutes: 60}, nil, slaStart.Add(90*time.Minute))
	assert.Equal(t, SlaBreached, report.State)
	assert.InDelta(t, 90.0, report.Targets[0].ElapsedMinutes, 1e-9)
}

func TestEvaluateSla_Unknown(t *testing.T) {
	d := assignedDecision()
	assert.Equal(t, SlaUnknown, EvaluateSla(d, &RoutingPolicy{}, nil, slaStart.Add(time.Hour)).State)
	assert.Equal(t, SlaUnknown, EvaluateSla(d, nil, nil, slaStart.Add(time.Hour)).State)

	targets := []SlaTarget{{Metric: "print_quality", Threshold: 10}}
	assert.Equal(t, SlaUnknown, EvaluateSla(d, &RoutingPolicy{}, targets, slaStart.Add(time.Hour)).State)
}

func TestEvaluateSla_Units(t *testing.T) {
	d := assignedDecision()
	targets := []SlaTarget{{Metric: MetricFulfillmentTime, Threshold: 2, WarningThreshold: 1, Unit: "hours"}}
	assert.Equal(t, SlaWarning, EvaluateSla(d, nil, targets, slaStart.Add(90*time.Minute)).State)

	targets = []SlaTarget{{Metric: MetricFulfillmentTime, Threshold: 600, Unit: "seconds"}}
	assert.Equal(t, SlaBreached, EvaluateSla(d, nil, targets, slaStart.Add(11*time.Minute)).State)
}

func TestEvaluateSla_AcknowledgementLag(t *testing.T) {
	policy := &RoutingPolicy{MaxLagMinutes: 15}
	targets := []SlaTarget{{Metric: MetricAcknowledgementLag}}

	d := assignedDecision()
	assert.Equal(t, SlaBreached, EvaluateSla(d, policy, targets, slaStart.Add(20*time.Minute)).State)

	acked := slaStart.Add(5 * time.Minute)
	d.AcknowledgedAt = &acked
	report := EvaluateSla(d, policy, targets, slaStart.Add(3*time.Hour))
	assert.Equal(t, SlaOnTrack, report.State)
	assert.InDelta(t, 5.0, report.Targets[0].ElapsedMinutes, 1e-9)
}

func TestEvaluateSla_WorstTargetWins(t *testing.T) {
	d := assignedDecision()
	policy := &RoutingPolicy{SlaMinutes: 120, MaxLagMinutes: 10}
	targets := []SlaTarget{
		{Metric: MetricFulfillmentTime, WarningThreshold: 90, Unit: "minutes"},
		{Metric: MetricAcknowledgementLag, Unit: "minutes"},
	}
	report := EvaluateSla(d, policy, targets, slaStart.Add(30*time.Minute))
	assert.Equal(t, SlaBreached, report.State)
	assert.Len(t, report.Targets, 2)
}

func TestEvaluateSla_IgnoresWarningAboveThreshold(t *testing.T) {
	d := assignedDecision()
	targets := []SlaTarget{{Metric: MetricFulfillmentTime, Threshold: 30, WarningThreshold: 45}}
	report := EvaluateSla(d, nil, targets, slaStart.Add(20*time.Minute))
	assert.Equal(t, SlaOnTrack, report.State)
	assert.Zero(t, report.Targets[0].WarningMinutes)
}

func TestEvaluateSla_Monotonic(t *testing.T) {
	d := assignedDecision()
	policy := &RoutingPolicy{SlaMinutes: 60, MaxLagMinutes: 30}
	targets := []SlaTarget{
		{Metric: MetricFulfillmentTime, WarningThreshold: 40},
		{Metric: MetricAcknowledgementLag, WarningThreshold: 20},
	}

	prev := SlaUnknown
	for m := 0; m <= 180; m++ {
		state := EvaluateSla(d, policy, targets, slaStart.Add(time.Duration(m)*time.Minute)).State
		require.GreaterOrEqual(t, state.severity(), prev.severity(), "minute %d went from %s to %s", m, prev, state)
		prev = state
	}
	assert.Equal(t, SlaBreached, prev)
}

type recordingSink struct{ breaches []SlaTargetState }

func (s *recordingSink) SlaBreached(_ context.Context, _ *RoutingDecision, t SlaTargetState) {
	s.breaches = append(s.breaches, t)
}

func TestSlaMonitor_AlertsOncePerMetric(t *testing.T) {
	sink := &recordingSink{}
	monitor := NewSlaMonitor(sink, nil)
	d := assignedDecision()
	policy := &RoutingPolicy{SlaMinutes: 60}
	ctx := context.Background()

	monitor.Evaluate(ctx, d, policy, nil, slaStart.Add(30*time.Minute))
	assert.Empty(t, sink.breaches)

	for i := 0; i < 3; i++ {
		report := monitor.Evaluate(ctx, d, policy, nil, slaStart.Add(time.Duration(61+i)*time.Minute))
		assert.Equal(t, SlaBreached, report.State)
	}
	require.Len(t, sink.breaches, 1)
	assert.Equal(t, MetricFulfillmentTime, sink.breaches[0].Metric)

	monitor.Forget(d.ID)
	monitor.Evaluate(ctx, d, policy, nil, slaStart.Add(2*time.Hour))
	assert.Len(t, sink.breaches, 2)
}

func TestSlaMonitor_EvictsIdleRecords(t *testing.T) {
	sink := &recordingSink{}
	monitor := NewSlaMonitor(sink, nil)
	monitor.retention = time.Hour
	policy := &RoutingPolicy{SlaMinutes: 60}
	ctx := context.Background()

	idle, busy := assignedDecision(), assignedDecision()
	monitor.Evaluate(ctx, idle, policy, nil, slaStart.Add(61*time.Minute))
	monitor.Evaluate(ctx, busy, policy, nil, slaStart.Add(61*time.Minute))
	require.Len(t, monitor.breached, 2)

	for m := 90; m <= 150; m += 15 {
		monitor.Evaluate(ctx, busy, policy, nil, slaStart.Add(time.Duration(m)*time.Minute))
	}
	assert.Len(t, monitor.breached, 1)
	assert.Contains(t, monitor.breached, busy.ID)
	assert.Len(t, sink.breaches, 2, "busy decision alerts once")
}

func TestLogAlertSink(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink := LogAlertSink{Log: zap.New(core)}
	d := assignedDecision()

	sink.SlaBreached(context.Background(), d, SlaTargetState{Metric: MetricFulfillmentTime, ElapsedMinutes: 61, ThresholdMinutes: 60})

	entries := logs.FilterMessage("routing SLA breached").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, d.OrderID.String(), fields["order_id"])
	assert.Equal(t, d.VendorID.String(), fields["vendor_id"])
	assert.Equal(t, MetricFulfillmentTime, fields["metric"])
}
