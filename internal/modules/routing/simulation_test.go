package routing

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func simulationSnapshot() *PolicySnapshot {
	policy := RoutingPolicy{ID: uuid.New(), Status: PolicyActive, FailoverStrategy: StrategyCascading, Version: 4}
	return &PolicySnapshot{
		Policy: policy,
		Rules: []RoutingRule{
			newRule("us", 1, `{"region":"US"}`),
			newRule("foil only", 2, `{"field":"specializations","value":"foil"}`),
			newRule("broken", 3, `{"field":"units","op":"between","value":[1,2]}`),
			newRule("never", 4, `{"channel":"fax"}`),
		},
		Vendors: []RoutingPolicyVendor{
			profile(1, func(v *RoutingPolicyVendor) { v.Weight = 3; v.CapacityPerHour = 500; v.AutoPauseThreshold = 90 }),
			profile(2, func(v *RoutingPolicyVendor) { v.Weight = 3; v.CapacityPerHour = 500; v.AutoPauseThreshold = 90 }),
			profile(3, func(v *RoutingPolicyVendor) { v.FailoverPriority = 1; v.CapacityPerHour = 200 }),
		},
	}
}

func simulationScenario() Scenario {
	var orders []ScenarioOrder
	for i := 0; i < 40; i++ {
		region := "US"
		if i%5 == 0 {
			region = "CA"
		}
		orders = append(orders, ScenarioOrder{
			Order:         Order{ID: uuid.New(), Channel: "web", Region: region, Units: 5},
			ArrivalMinute: float64(i),
		})
	}
	return Scenario{Name: "morning rush", Seed: 1234, Orders: orders}
}

func TestSimulate_Deterministic(t *testing.T) {
	e := NewEvaluator(zap.NewNop(), nil)
	snap := simulationSnapshot()
	scenario := simulationScenario()

	first, err := json.Marshal(Simulate(e, snap, scenario))
	require.NoError(t, err)
	second, err := json.Marshal(Simulate(e, snap, scenario))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestSimulate_DoesNotMutateSnapshot(t *testing.T) {
	snap := simulationSnapshot()
	before, err := json.Marshal(snap)
	require.NoError(t, err)

	Simulate(NewEvaluator(zap.NewNop(), nil), snap, simulationScenario())

	after, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
}

func TestSimulate_Results(t *testing.T) {
	snap := simulationSnapshot()
	res := Simulate(NewEvaluator(zap.NewNop(), nil), snap, simulationScenario())

	assert.Equal(t, 40, res.TotalOrders)
	assert.Equal(t, 32, res.Routed)
	assert.Equal(t, 8, res.NoMatchingRule)
	assert.Zero(t, res.NoEligibleVendor)

	assert.Equal(t, []uuid.UUID{snap.Rules[2].ID}, res.InvalidRules)
	assert.ElementsMatch(t, []uuid.UUID{snap.Rules[1].ID, snap.Rules[3].ID}, res.DeadRules)

	require.Len(t, res.Rules, 3)
	assert.Equal(t, 32, res.Rules[0].Matches)

	require.Len(t, res.Vendors, 3)
	total := 0
	for _, v := range res.Vendors {
		total += v.Assignments
		assert.LessOrEqual(t, v.PeakProjectedLoad, 100.0)
	}
	assert.Equal(t, 32, total)
	// Priority 0 vendors take 1% per order and never fill up, so the priority 1
	// vendor is never the primary pick.
	assert.Zero(t, res.Vendors[2].Assignments)
}

func TestSimulate_ProjectedLoadPausesVendors(t *testing.T) {
	policy := RoutingPolicy{ID: uuid.New(), Status: PolicyActive, FailoverStrategy: StrategyCascading}
	snap := &PolicySnapshot{
		Policy: policy,
		Rules:  []RoutingRule{newRule("all", 1, `{}`)},
		Vendors: []RoutingPolicyVendor{
			profile(1, func(v *RoutingPolicyVendor) { v.CapacityPerHour = 10; v.AutoPauseThreshold = 50 }),
		},
	}
	var orders []ScenarioOrder
	for i := 0; i < 4; i++ {
		orders = append(orders, ScenarioOrder{Order: Order{Units: 2}})
	}

	res := Simulate(NewEvaluator(zap.NewNop(), nil), snap, Scenario{Orders: orders})

	// Each order adds 20%; the third arrives at 40% and the fourth at 60%.
	assert.Equal(t, 3, res.Routed)
	assert.Equal(t, 1, res.NoEligibleVendor)
	assert.Equal(t, 60.0, res.Vendors[0].PeakProjectedLoad)
	assert.Equal(t, 6, res.Vendors[0].Units)
}

func TestSimulate_EmptyScenario(t *testing.T) {
	snap := &PolicySnapshot{Policy: RoutingPolicy{ID: uuid.New()}}
	res := Simulate(NewEvaluator(zap.NewNop(), nil), snap, Scenario{})

	out, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"total_orders": 0, "routed": 0, "partial": 0, "no_matching_rule": 0,
		"no_eligible_vendor": 0, "rejected": 0,
		"vendors": [], "rules": [], "dead_rules": [], "invalid_rules": []
	}`, string(out))
}
